package main

import "github.com/MrEthical07/careAuth/cmd/careauthd/cmd"

func main() {
	cmd.Execute()
}
