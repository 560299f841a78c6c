package cron

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Parser understands standard 5-field cron, 6-field cron with a leading
// seconds field, descriptors such as @hourly and @every, and the AWS forms
// rate(N unit) and cron(min hour dom month dow year). Schedules are
// evaluated in UTC.
type Parser struct {
	parser cron.Parser
	loc    *time.Location
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.UTC,
	}
}

type Schedule interface {
	Next(after time.Time) time.Time
}

var (
	rateExpr = regexp.MustCompile(`^rate\(\s*(\d+)\s+([a-z]+)\s*\)$`)
	awsExpr  = regexp.MustCompile(`^cron\((.*)\)$`)
)

func (p *Parser) Parse(expression string) (Schedule, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, errors.New("empty schedule expression")
	}

	if m := rateExpr.FindStringSubmatch(expr); m != nil {
		return parseRate(m[1], m[2])
	}
	if strings.HasPrefix(expr, "rate(") {
		return nil, errors.Newf("malformed rate expression %q", expr)
	}

	if m := awsExpr.FindStringSubmatch(expr); m != nil {
		converted, err := convertAWS(m[1])
		if err != nil {
			return nil, err
		}
		expr = converted
	}

	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse cron %q", expression)
	}
	return &schedule{sched: sched, loc: p.loc}, nil
}

// Validate reports whether expression parses.
func (p *Parser) Validate(expression string) error {
	_, err := p.Parse(expression)
	return err
}

// NextN returns the next n fire times strictly after after.
func NextN(s Schedule, after time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		times = append(times, t)
	}
	return times
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc)).UTC()
}

func parseRate(value, unit string) (Schedule, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return nil, errors.Newf("rate value must be a positive integer, got %q", value)
	}

	var base time.Duration
	switch unit {
	case "minute", "minutes":
		base = time.Minute
	case "hour", "hours":
		base = time.Hour
	case "day", "days":
		base = 24 * time.Hour
	default:
		return nil, errors.Newf("unsupported rate unit %q", unit)
	}
	if (n == 1) != !strings.HasSuffix(unit, "s") {
		return nil, errors.Newf("rate unit %q does not agree with value %d", unit, n)
	}

	return &schedule{sched: cron.Every(time.Duration(n) * base), loc: time.UTC}, nil
}

// convertAWS turns "min hour dom month dow year" into a 5-field expression.
// The year field must be "*"; "?" becomes "*" and the 1-7 (SUN-SAT)
// weekday numbering is shifted to 0-6.
func convertAWS(body string) (string, error) {
	fields := strings.Fields(body)
	if len(fields) != 6 {
		return "", errors.Newf("aws cron expression needs 6 fields, got %d", len(fields))
	}
	if fields[5] != "*" && fields[5] != "?" {
		return "", errors.Newf("aws cron year field %q is not supported", fields[5])
	}
	fields = fields[:5]

	for i, f := range fields {
		if f == "?" {
			fields[i] = "*"
		}
	}

	dow, err := shiftWeekdays(fields[4])
	if err != nil {
		return "", err
	}
	fields[4] = dow
	return strings.Join(fields, " "), nil
}

var weekdayNumber = regexp.MustCompile(`\d+`)

func shiftWeekdays(field string) (string, error) {
	var out []string
	for _, part := range strings.Split(field, ",") {
		rng, step, hasStep := strings.Cut(part, "/")
		var shiftErr error
		rng = weekdayNumber.ReplaceAllStringFunc(rng, func(s string) string {
			n, _ := strconv.Atoi(s)
			if n < 1 || n > 7 {
				shiftErr = errors.Newf("aws cron weekday %d out of range 1-7", n)
				return s
			}
			return strconv.Itoa(n - 1)
		})
		if shiftErr != nil {
			return "", shiftErr
		}
		if hasStep {
			rng += "/" + step
		}
		out = append(out, rng)
	}
	return strings.Join(out, ","), nil
}
