package schedule

import (
	"fmt"
	"strings"
	"time"
)

// QuotaSchedule is a daily command fired at a fixed time of day.
type QuotaSchedule struct {
	Time          string    `json:"time"`
	Template      string    `json:"template"`
	Command       string    `json:"command"`
	NextExecution time.Time `json:"nextExecution"`
}

// NewQuotaSchedule builds a schedule whose first execution is the next
// occurrence of clock after now.
func NewQuotaSchedule(clock, template string, now time.Time) (*QuotaSchedule, error) {
	hour, minute, err := parseHM(clock)
	if err != nil {
		return nil, fmt.Errorf("quota time: %w", err)
	}
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("quota command template is empty")
	}
	next := nextOccurrence(hour, minute, now)
	return &QuotaSchedule{
		Time:          clock,
		Template:      template,
		Command:       RenderCommand(template, next),
		NextExecution: next,
	}, nil
}

// Due reports whether the execution instant has been reached.
func (q *QuotaSchedule) Due(now time.Time) bool {
	return q != nil && !now.Before(q.NextExecution)
}

// Advance moves the schedule to the first occurrence after now and
// regenerates the command for that date.
func (q *QuotaSchedule) Advance(now time.Time) error {
	hour, minute, err := parseHM(q.Time)
	if err != nil {
		return fmt.Errorf("quota time: %w", err)
	}
	from := now
	if q.NextExecution.After(from) {
		from = q.NextExecution
	}
	next := nextOccurrence(hour, minute, from.In(now.Location()))
	q.NextExecution = next
	if q.Template != "" {
		q.Command = RenderCommand(q.Template, next)
	}
	return nil
}

// RenderCommand substitutes {date} (2006-01-02) and {time} (15:04) for at.
func RenderCommand(template string, at time.Time) string {
	r := strings.NewReplacer(
		"{date}", at.Format("2006-01-02"),
		"{time}", at.Format("15:04"),
	)
	return r.Replace(template)
}
