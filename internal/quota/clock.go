// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package quota

import (
	"time"

	"github.com/samber/oops"
)

// DayLayout is the format of a quota day key.
const DayLayout = "2006-01-02"

// Clock turns the current instant into a day key in a fixed timezone.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithNow overrides the time source.
func WithNow(now func() time.Time) ClockOption {
	return func(c *Clock) {
		c.now = now
	}
}

// NewClock creates a Clock for the named IANA timezone. An empty name means UTC.
func NewClock(timezone string, opts ...ClockOption) (*Clock, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, oops.In("quota").Code("INVALID_TIMEZONE").With("timezone", timezone).Wrap(err)
		}
	}
	c := &Clock{loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Today returns the current day key.
func (c *Clock) Today() string {
	return c.now().In(c.loc).Format(DayLayout)
}

// Location returns the clock's timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// NextDay returns the start of the day after day, in the clock's timezone.
func (c *Clock) NextDay(day string) (time.Time, error) {
	t, err := time.ParseInLocation(DayLayout, day, c.loc)
	if err != nil {
		return time.Time{}, oops.In("quota").Code("INVALID_DAY").With("day", day).Wrap(err)
	}
	return t.AddDate(0, 0, 1), nil
}
