// Package scheduler runs a job once a day at a configured trigger time.
package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var triggerPattern = regexp.MustCompile(`(?i)^(\d{1,2}):(\d{2})(AM|PM)?(?:,?(?:UTC)?([+-])(\d{2}):(\d{2}))?$`)

// TriggerTime is a wall-clock time of day in a fixed zone.
type TriggerTime struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// ParseTriggerTime accepts "8:00AM,UTC+08:00", "8:00 PM", "14:30" and
// "14:30-05:00". Without an offset the local zone is used.
func ParseTriggerTime(s string) (TriggerTime, error) {
	m := triggerPattern.FindStringSubmatch(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if m == nil {
		return TriggerTime{}, fmt.Errorf("invalid trigger time %q", s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if minute > 59 {
		return TriggerTime{}, fmt.Errorf("invalid trigger time %q: minute out of range", s)
	}

	switch strings.ToUpper(m[3]) {
	case "AM", "PM":
		if hour < 1 || hour > 12 {
			return TriggerTime{}, fmt.Errorf("invalid trigger time %q: hour out of range", s)
		}
		hour %= 12
		if strings.EqualFold(m[3], "PM") {
			hour += 12
		}
	default:
		if hour > 23 {
			return TriggerTime{}, fmt.Errorf("invalid trigger time %q: hour out of range", s)
		}
	}

	t := TriggerTime{Hour: hour, Minute: minute, Location: time.Local}
	if m[4] != "" {
		oh, _ := strconv.Atoi(m[5])
		om, _ := strconv.Atoi(m[6])
		if oh > 14 || om > 59 {
			return TriggerTime{}, fmt.Errorf("invalid trigger time %q: offset out of range", s)
		}
		offset := oh*3600 + om*60
		if m[4] == "-" {
			offset = -offset
		}
		t.Location = time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", m[4], oh, om), offset)
	}
	return t, nil
}

// Next returns the first trigger strictly after now.
func (t TriggerTime) Next(now time.Time) time.Time {
	loc := t.Location
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (t TriggerTime) String() string {
	name := "Local"
	if t.Location != nil {
		name = t.Location.String()
	}
	return fmt.Sprintf("%02d:%02d %s", t.Hour, t.Minute, name)
}

// Job is one scheduled run.
type Job func(ctx context.Context) error

// Scheduler fires a Job daily. Runs never overlap: the next trigger is
// computed after the previous job returns.
type Scheduler struct {
	trigger TriggerTime
	logger  *zap.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func withClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) { s.now, s.after = now, after }
}

// New creates a Scheduler for trigger.
func New(trigger TriggerTime, opts ...Option) *Scheduler {
	s := &Scheduler{
		trigger: trigger,
		logger:  zap.NewNop(),
		now:     time.Now,
		after:   time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is done, invoking job at every trigger. Job errors
// are logged and do not stop the schedule.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := s.trigger.Next(s.now())
		s.logger.Info("next crawl scheduled", zap.Time("at", next))

		fire := s.after(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fire:
		}

		started := s.now()
		if err := job(ctx); err != nil {
			s.logger.Error("scheduled crawl failed", zap.Error(err))
		} else {
			s.logger.Info("scheduled crawl finished", zap.Duration("elapsed", s.now().Sub(started)))
		}
	}
}
