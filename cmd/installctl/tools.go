package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"lmsBack/internal/installments/enroll"
	"lmsBack/internal/installments/split"
	"lmsBack/utils"
)

func splitCmd() *cobra.Command {
	var req enroll.PlanRequest
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Preview the schedule a payment plan would produce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drafts, err := enroll.NewService(nil).Preview(req)
			if err != nil {
				return err
			}
			return writeDrafts(cmd.OutOrStdout(), drafts)
		},
	}
	f := cmd.Flags()
	f.Int64Var(&req.TotalAmount, "total", 0, "total in minor units")
	f.StringVar(&req.Currency, "currency", "KZT", "ISO currency code")
	f.StringVar(&req.DepositKind, "deposit", "none", "deposit kind: none, fixed or percent")
	f.Int64Var(&req.DepositAmount, "deposit-amount", 0, "fixed deposit in minor units")
	f.StringVar(&req.DepositPercent, "deposit-percent", "", "deposit percentage, e.g. 33.3")
	f.IntVar(&req.Installments, "installments", 0, "number of installments after the deposit")
	f.StringVar(&req.Frequency, "frequency", "monthly", "weekly, biweekly or monthly")
	f.StringVar(&req.StartDate, "start", "", "start date YYYY-MM-DD, today by default")
	return cmd
}

func writeDrafts(w io.Writer, drafts []split.Draft) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tAMOUNT\tDUE")
	var sum int64
	for _, d := range drafts {
		sum += d.Amount
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", d.Seq, d.Kind, d.Amount, d.DueDate.Format("2006-01-02"))
	}
	fmt.Fprintf(tw, "\ttotal\t%d\t\n", sum)
	return tw.Flush()
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [operator]",
		Short: "Issue an admin access token signed with JWT_SIGNING_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := utils.NewManager(os.Getenv("JWT_SIGNING_KEY"))
			if err != nil {
				return fmt.Errorf("JWT_SIGNING_KEY: %w", err)
			}
			token, err := m.NewJWT(args[0], utils.RoleAdmin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func hashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print a bcrypt hash for CRON_SECRET_HASH; generates the secret when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				s, err := utils.NewSecret()
				if err != nil {
					return err
				}
				secret = s
				fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\n", secret)
			}
			if secret == "" {
				return errors.New("empty secret")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hash: %s\n", hash)
			return nil
		},
	}
}
