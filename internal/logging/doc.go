// Package logging builds the slog logger used by careauthd.
//
// Output format and level come from the logging section of the daemon config:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log passwords, setup tokens, invitation tokens or backup codes.
package logging
