package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/spf13/cobra"
)

// seedAccount is one entry of the synthetic data users file.
type seedAccount struct {
	ID                 string   `json:"id"`
	Email              string   `json:"email"`
	FirstName          string   `json:"firstName"`
	LastName           string   `json:"lastName"`
	Phone              string   `json:"phone"`
	Role               string   `json:"role"`
	Roles              []string `json:"roles"`
	IsActive           *bool    `json:"isActive"`
	IsMfaSetupComplete bool     `json:"isMfaSetupComplete"`
	InvitationAccepted bool     `json:"invitationAccepted"`

	HomeAssignments []seedAssignment `json:"homeAssignments"`
}

type seedAssignment struct {
	UserID   string `json:"userId"`
	HomeID   string `json:"homeId"`
	IsActive bool   `json:"isActive"`
}

func (a seedAccount) role() string {
	if a.Role != "" {
		return a.Role
	}
	if len(a.Roles) > 0 {
		return a.Roles[0]
	}
	return ""
}

type seedSummary struct {
	Invited  int
	Skipped  int
	Failed   int
	Homes    int
	Disabled int
}

var seedOpts struct {
	file        string
	assignments string
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed accounts from a synthetic data file",
	Long: `Invites every account in a users JSON file, assigns homes and disables
inactive accounts. Accounts already accepted in the store are skipped, so the
command can be re-run. Seeded accounts always start pending: passwords and
passkeys cannot be synthesized, so each account completes onboarding with the
invitation notice it receives.`,
	Example: `  careauthd seed --file users.json --assignments caregiver_home_assignments.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := readSeedFile(seedOpts.file, seedOpts.assignments)
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		sum := seedAccounts(cmd.Context(), rt, accounts)
		fmt.Fprintf(cmd.OutOrStdout(), "invited %d, skipped %d, failed %d, home assignments %d, disabled %d\n",
			sum.Invited, sum.Skipped, sum.Failed, sum.Homes, sum.Disabled)
		if sum.Failed > 0 {
			return fmt.Errorf("%d accounts could not be seeded", sum.Failed)
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedOpts.file, "file", "", "Users JSON file")
	seedCmd.Flags().StringVar(&seedOpts.assignments, "assignments", "", "Optional caregiver home assignments JSON file")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}

// readSeedFile loads accounts and merges separately stored home assignments
// into them by user id.
func readSeedFile(path, assignmentsPath string) ([]seedAccount, error) {
	var accounts []seedAccount
	if err := readJSON(path, &accounts); err != nil {
		return nil, err
	}
	if assignmentsPath == "" {
		return accounts, nil
	}

	var assignments []seedAssignment
	if err := readJSON(assignmentsPath, &assignments); err != nil {
		return nil, err
	}
	byUser := make(map[string][]seedAssignment)
	for _, a := range assignments {
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}
	for i := range accounts {
		if extra, ok := byUser[accounts[i].ID]; ok && len(accounts[i].HomeAssignments) == 0 {
			accounts[i].HomeAssignments = extra
		}
	}
	return accounts, nil
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func seedAccounts(ctx context.Context, rt *runtime, accounts []seedAccount) seedSummary {
	var sum seedSummary
	for _, a := range accounts {
		var active, inactive []string
		for _, h := range a.HomeAssignments {
			if h.IsActive {
				active = append(active, h.HomeID)
			} else {
				inactive = append(inactive, h.HomeID)
			}
		}

		res, err := rt.engine.CreateInvitationAsSystem(ctx, careAuth.Invitation{
			Email: a.Email,
			Profile: careAuth.Profile{
				FirstName: a.FirstName,
				LastName:  a.LastName,
				Phone:     a.Phone,
			},
			Role:    a.role(),
			HomeIDs: active,
		})
		switch {
		case errors.Is(err, careAuth.ErrInvitationAlreadyAccepted):
			logger.Info("seed skipped accepted account", "email", a.Email)
			sum.Skipped++
			continue
		case err != nil:
			logger.Error("seed invitation failed", "email", a.Email, "error", err)
			sum.Failed++
			continue
		}
		sum.Invited++
		sum.Homes += len(active)
		if a.InvitationAccepted || a.IsMfaSetupComplete {
			logger.Debug("seeded account starts pending onboarding", "account_id", res.AccountID)
		}

		now := time.Now().UTC()
		for _, home := range inactive {
			if err := rt.store.AssignHome(ctx, res.AccountID, home, now); err != nil {
				logger.Error("seed home assignment failed", "account_id", res.AccountID, "home_id", home, "error", err)
				continue
			}
			if err := rt.store.DeactivateHomeAssignment(ctx, res.AccountID, home, now); err != nil {
				logger.Error("seed home deactivation failed", "account_id", res.AccountID, "home_id", home, "error", err)
				continue
			}
			sum.Homes++
		}

		if a.IsActive != nil && !*a.IsActive {
			if err := rt.store.SetAccountActive(ctx, res.AccountID, false); err != nil {
				logger.Error("seed deactivation failed", "account_id", res.AccountID, "error", err)
				continue
			}
			sum.Disabled++
		}
	}
	return sum
}
