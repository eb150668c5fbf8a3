package renewal

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron"

	"github.com/edvin/stackboot/internal/model"
)

// periodWindow is how far ahead firings are sampled to find the longest gap.
const periodWindow = 400 * 24 * time.Hour

// ParseSchedule validates a 5-field cron expression and derives its systemd
// calendar form and its period, the longest gap between two firings.
func ParseSchedule(spec string) (*model.RenewalSchedule, cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	calendar, err := cronToSystemdCalendar(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(periodWindow)
	var period time.Duration
	prev := sched.Next(start)
	for !prev.IsZero() && prev.Before(end) {
		next := sched.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); gap > period {
			period = gap
		}
		prev = next
	}
	if period == 0 {
		return nil, nil, fmt.Errorf("schedule %q does not fire repeatedly", spec)
	}

	return &model.RenewalSchedule{Spec: spec, Calendar: calendar, Period: period}, sched, nil
}

// ValidatePeriod checks that renewal runs more often than certificates
// expire.
func ValidatePeriod(s *model.RenewalSchedule, validity time.Duration) error {
	if s.Period >= validity {
		return fmt.Errorf("renewal schedule %q runs every %s, which is not shorter than the certificate validity %s", s.Spec, s.Period, validity)
	}
	return nil
}

// cronToSystemdCalendar converts a 5-field cron expression to systemd OnCalendar format.
func cronToSystemdCalendar(expr string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	// Day-of-week from cron (0-7, Sun=0 or 7) to systemd names.
	var dowPart string
	if dow != "*" {
		dowMap := map[string]string{
			"0": "Sun", "1": "Mon", "2": "Tue", "3": "Wed",
			"4": "Thu", "5": "Fri", "6": "Sat", "7": "Sun",
		}
		names := strings.Split(dow, ",")
		for i, d := range names {
			if mapped, ok := dowMap[d]; ok {
				names[i] = mapped
			}
		}
		dowPart = strings.Join(names, ",") + " "
	}

	// Step expressions (*/N) become 0/N (or 1/N for 1-based fields).
	convertStep := func(field, first string) string {
		if strings.HasPrefix(field, "*/") {
			return first + "/" + field[2:]
		}
		return field
	}

	return fmt.Sprintf("%s*-%s-%s %s:%s:00",
		dowPart,
		convertStep(month, "1"),
		convertStep(dom, "1"),
		convertStep(hour, "0"),
		convertStep(minute, "0"),
	), nil
}
