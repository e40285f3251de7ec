package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron validates a five field cron expression or a @macro.
// It returns the interval between the next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		schedule, err = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses the PnDTnHnMnS subset of ISO8601 durations.
// Only the seconds component may carry a fraction.
func ParseISODuration(dur string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(dur, "P")
	if !ok || rest == "" || rest == "T" {
		return 0, ErrISOFormat
	}
	datePart, timePart, hasT := strings.Cut(rest, "T")
	if hasT && timePart == "" {
		return 0, ErrISOFormat
	}

	var total time.Duration
	if datePart != "" {
		num, ok := strings.CutSuffix(datePart, "D")
		if !ok {
			return 0, ErrISOFormat
		}
		days, err := strconv.Atoi(num)
		if err != nil || days < 0 {
			return 0, fmt.Errorf("%w: days %q", ErrISOFormat, num)
		}
		total += time.Duration(days) * 24 * time.Hour
	}

	units := []struct {
		suffix byte
		unit   time.Duration
	}{{'H', time.Hour}, {'M', time.Minute}, {'S', time.Second}}
	for _, u := range units {
		if timePart == "" {
			break
		}
		idx := strings.IndexByte(timePart, u.suffix)
		if idx < 0 {
			continue
		}
		num := strings.Replace(timePart[:idx], ",", ".", 1)
		timePart = timePart[idx+1:]
		if u.suffix != 'S' && strings.Contains(num, ".") {
			return 0, fmt.Errorf("%w: fraction in %c component", ErrISOFormat, u.suffix)
		}
		f, err := strconv.ParseFloat(num, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("%w: %q", ErrISOFormat, num)
		}
		total += time.Duration(f * float64(u.unit))
	}
	if timePart != "" {
		return 0, ErrISOFormat
	}
	return total, nil
}
