package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/cron"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

func newValidateCronCmd() *cobra.Command {
	var (
		timezone string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "validate-cron <expression>",
		Short: "Check a cron expression and print its next fire times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateCron(cmd.OutOrStdout(), args[0], timezone, count, time.Now())
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone the expression is evaluated in (default UTC)")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	return cmd
}

func runValidateCron(out io.Writer, expr, timezone string, count int, now time.Time) error {
	schedule := &model.Schedule{CronExpression: expr, Timezone: timezone}
	if err := cron.ValidateSchedule(schedule); err != nil {
		return err
	}
	loc := schedule.Location()
	fmt.Fprintf(out, "%s is valid (%s)\n", expr, loc)
	at := now
	for i := 0; i < count; i++ {
		at = cron.CalculateNextRun(schedule, at)
		fmt.Fprintf(out, "  %s\n", at.In(loc).Format(time.RFC3339))
	}
	return nil
}
