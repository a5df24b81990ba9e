package backup

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule describes when periodic backups run, as the five standard cron
// fields plus a timezone. Empty fields default to "*".
type Schedule struct {
	Minute     string `json:"minute"`
	Hour       string `json:"hour"`
	DayOfMonth string `json:"day_of_month"`
	Month      string `json:"month"`
	DayOfWeek  string `json:"day_of_week"`
	Timezone   string `json:"timezone"`
}

// cron/v3 standard parser, no seconds field.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Expression renders the five-field cron expression.
func (s Schedule) Expression() string {
	field := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "*"
		}
		return strings.TrimSpace(v)
	}
	return fmt.Sprintf("%s %s %s %s %s",
		field(s.Minute), field(s.Hour), field(s.DayOfMonth), field(s.Month), field(s.DayOfWeek))
}

// Validate parses the expression and the timezone, rejecting anything cron
// itself would reject plus duplicate weekday entries, which almost always
// mean a typo rather than an intentional no-op.
func (s Schedule) Validate() error {
	if _, err := cronParser.Parse(s.Expression()); err != nil {
		return configErrorf("schedule", "invalid cron expression %q: %v", s.Expression(), err)
	}
	if err := validateNoDuplicates(s.DayOfWeek); err != nil {
		return configErrorf("schedule.day_of_week", "%v", err)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return configErrorf("schedule.timezone", "unknown timezone %q", s.Timezone)
		}
	}
	return nil
}

// Next returns the first firing time strictly after now, in the schedule's
// timezone.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	spec, err := cronParser.Parse(s.Expression())
	if err != nil {
		return time.Time{}, configErrorf("schedule", "invalid cron expression %q: %v", s.Expression(), err)
	}
	loc := time.Local
	if s.Timezone != "" {
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, configErrorf("schedule.timezone", "unknown timezone %q", s.Timezone)
		}
	}
	return spec.Next(now.In(loc)), nil
}

// validateNoDuplicates rejects day-of-week lists whose entries cover the
// same weekday more than once, e.g. "1-3,2" or "mon,1". Ranges, steps and
// weekday names are expanded to the days they cover before comparison.
// Entries the expansion does not understand are left to the cron parser.
func validateNoDuplicates(field string) error {
	if field == "" || field == "*" {
		return nil
	}
	seen := map[int]string{}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		days, ok := expandWeekdays(part)
		if !ok {
			continue
		}
		for _, d := range days {
			if prev, dup := seen[d]; dup {
				return fmt.Errorf("entry %q covers the same weekday as %q", part, prev)
			}
			seen[d] = part
		}
	}
	return nil
}

var weekdayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// expandWeekdays lists the weekdays covered by one day-of-week entry:
// a single day, a lo-hi range, "*", each optionally with a /step suffix.
func expandWeekdays(part string) ([]int, bool) {
	step := 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		s, err := strconv.Atoi(part[i+1:])
		if err != nil || s < 1 {
			return nil, false
		}
		step = s
		part = part[:i]
	}

	lo, hi := 0, 6
	if part != "*" {
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo = parseWeekday(part[:i])
			hi = parseWeekday(part[i+1:])
		} else {
			lo = parseWeekday(part)
			hi = lo
		}
		if lo < 0 || hi < 0 || hi < lo {
			return nil, false
		}
	}

	var days []int
	for d := lo; d <= hi; d += step {
		days = append(days, d)
	}
	return days, true
}

// parseWeekday maps a numeric or named day to 0..6; cron treats 7 as
// Sunday.
func parseWeekday(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, ok := weekdayNames[s]; ok {
		return d
	}
	if d, err := strconv.Atoi(s); err == nil && d >= 0 && d <= 7 {
		return d % 7
	}
	return -1
}
