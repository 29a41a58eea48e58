package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-payments/adapters/gocommand"
	paymentscommand "github.com/goliatone/go-payments/command"
	"github.com/goliatone/go-payments/janitor"
	"github.com/spf13/cobra"
)

func janitorCmd(root *rootOptions) *cobra.Command {
	var (
		dryRun bool
		limit  int
	)
	names := make([]string, 0, len(janitor.Jobs()))
	for _, job := range janitor.Jobs() {
		names = append(names, string(job))
	}
	cmd := &cobra.Command{
		Use:       "janitor <job>",
		Short:     "Run one janitor job and print its result as JSON",
		Long:      "Run one janitor job. Jobs: " + strings.Join(names, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := janitor.ParseJobName(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, root, newLogger(os.Stderr, root.logLevel))
			if err != nil {
				return err
			}
			defer a.Close()

			subs, err := a.registerCommands()
			if err != nil {
				return err
			}
			defer subs.Unsubscribe()

			result, err := gocommand.DispatchWithResult[paymentscommand.RunJanitorJobMessage, janitor.Result](ctx, paymentscommand.RunJanitorJobMessage{
				Job:    string(job),
				DryRun: dryRun,
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("janitor %s: %w", job, err)
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum rows to process (0 uses janitor.default_limit)")
	return cmd
}
