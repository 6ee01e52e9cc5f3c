package cron

import (
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/robfig/cron/v3"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// triggerParser accepts five field expressions and @descriptors, the common
// ground of cronexpr and robfig/cron
var triggerParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalculateNextRun returns the next fire time after now in the schedule's
// timezone, converted to UTC at second precision. An unparseable expression
// falls back to one hour from now.
func CalculateNextRun(schedule *model.Schedule, now time.Time) time.Time {
	loc := schedule.Location()
	local := now.In(loc)

	expr, err := cronexpr.Parse(schedule.EffectiveCron())
	if err != nil {
		return local.Add(time.Hour).UTC().Truncate(time.Second)
	}
	return expr.Next(local).UTC().Truncate(time.Second)
}

// triggerSpec is the robfig spec for a schedule, pinned to its timezone
func triggerSpec(schedule *model.Schedule) string {
	return fmt.Sprintf("CRON_TZ=%s %s", schedule.Location().String(), schedule.EffectiveCron())
}

// ValidateSchedule checks the cron expression against both parsers
func ValidateSchedule(schedule *model.Schedule) error {
	expr := schedule.EffectiveCron()
	if err := model.ValidateCronExpression(expr); err != nil {
		return err
	}
	if _, err := triggerParser.Parse(triggerSpec(schedule)); err != nil {
		return fmt.Errorf("%w: cron expression '%s' is not supported for triggers: %v", model.ErrInvalidConfig, expr, err)
	}
	if schedule.Timezone != "" {
		if _, err := time.LoadLocation(schedule.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", model.ErrInvalidConfig, schedule.Timezone)
		}
	}
	return nil
}
