package cmd

import (
	"fmt"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/spf13/cobra"
)

var inviteOpts struct {
	email      string
	role       string
	homes      []string
	firstName  string
	lastName   string
	phone      string
	printToken bool
}

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Invite a staff member",
	Long: `Creates a pending account, or rotates the invitation of one, and sends the
invitation notice. Use --print-token to bootstrap the first administrator when
no notice channel reaches them.`,
	Example: `  careauthd invite --email admin@example.org --role admin --print-token
  careauthd invite --email carer@example.org --role caregiver --home home-1 --home home-2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.engine.CreateInvitationAsSystem(cmd.Context(), careAuth.Invitation{
			Email: inviteOpts.email,
			Profile: careAuth.Profile{
				FirstName: inviteOpts.firstName,
				LastName:  inviteOpts.lastName,
				Phone:     inviteOpts.phone,
			},
			Role:    inviteOpts.role,
			HomeIDs: inviteOpts.homes,
		})
		if err != nil {
			return fmt.Errorf("invitation failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "account:    %s\n", res.AccountID)
		fmt.Fprintf(out, "expires at: %s\n", res.ExpiresAt.Format("2006-01-02 15:04 MST"))
		if inviteOpts.printToken {
			fmt.Fprintf(out, "token:      %s\n", res.Token)
		}
		return nil
	},
}

func init() {
	f := inviteCmd.Flags()
	f.StringVar(&inviteOpts.email, "email", "", "Email address of the invitee")
	f.StringVar(&inviteOpts.role, "role", "", "Role: admin, caregiver or sysadmin")
	f.StringSliceVar(&inviteOpts.homes, "home", nil, "Home ID to assign (caregivers only, repeatable)")
	f.StringVar(&inviteOpts.firstName, "first-name", "", "First name")
	f.StringVar(&inviteOpts.lastName, "last-name", "", "Last name")
	f.StringVar(&inviteOpts.phone, "phone", "", "Phone number")
	f.BoolVar(&inviteOpts.printToken, "print-token", false, "Print the invitation token to stdout")
	_ = inviteCmd.MarkFlagRequired("email")
	_ = inviteCmd.MarkFlagRequired("role")
	rootCmd.AddCommand(inviteCmd)
}
