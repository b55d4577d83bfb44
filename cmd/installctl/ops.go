package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lmsBack/internal/installments"
	"lmsBack/internal/installments/dispatch"
	"lmsBack/internal/installments/repo"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Run one dispatch, overdue and retry pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := installments.RunRetryOnce(cmd.Context(), s.deps)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func chargeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "charge [entry-id]",
		Short: "Invoice and charge a schedule entry now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := installments.ChargeNow(cmd.Context(), s.deps, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Outcome == dispatch.OutcomeFailed {
				return fmt.Errorf("charge failed: %s", res.Error)
			}
			return nil
		},
	}
}

func issuesCmd() *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List reconciliation issues waiting for an operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.Close()

			issues, err := installments.ListIssues(cmd.Context(), s.deps, all, limit)
			if err != nil {
				return err
			}
			return writeIssues(cmd.OutOrStdout(), issues)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include resolved issues")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func writeIssues(w io.Writer, issues []repo.Issue) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tEVENT\tCHARGE\tCREATED\tRESOLVED")
	for _, is := range issues {
		resolved := "-"
		if is.ResolvedAt.Valid {
			resolved = is.ResolvedAt.Time.Format("2006-01-02 15:04") + " " + is.ResolvedBy
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			is.ID, is.Kind, is.EventType, is.ChargeRef, is.CreatedAt.Format("2006-01-02 15:04"), resolved)
	}
	return tw.Flush()
}
