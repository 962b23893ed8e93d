package cron

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// parser accepts the standard five fields, an optional leading seconds field,
// descriptors such as @hourly or "@every 1h", and a CRON_TZ= prefix.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse validates expr and returns its schedule.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// WithTimeZone prefixes expr with CRON_TZ so that it is evaluated in tz.
func WithTimeZone(expr, tz string) string {
	if tz == "" || strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}
