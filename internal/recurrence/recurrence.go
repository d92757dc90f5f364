// Package recurrence evaluates iCalendar recurrence rule sets.
//
// A rule string holds a DTSTART property plus any number of RRULE and
// EXRULE properties separated by whitespace, for example
//
//	DTSTART;TZID=Europe/Ljubljana:20300601T120000 RRULE:FREQ=DAILY;UNTIL=20300610T120000
//
// Occurrences are generated on the wall clock of the DTSTART zone and
// mapped to absolute instants afterwards, so a daily 09:00 rule stays at
// 09:00 local time across DST changes. Wall times that do not exist in the
// zone (the spring-forward gap) are skipped.
package recurrence

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/teambition/rrule-go"
)

var (
	// ErrNoDTStart is returned for rule strings without a DTSTART property.
	ErrNoDTStart = errors.New("recurrence: a DTSTART field needs to be in the rrule")

	// ErrNaiveDTStart is returned when DTSTART carries neither TZID nor a UTC suffix.
	ErrNaiveDTStart = errors.New("recurrence: a valid TZID must be provided (e.g., America/New_York)")
)

// Rule is one RRULE or EXRULE of a set.
type Rule struct {
	// Source is the property as it appears in the coerced rule string.
	Source  string
	Exclude bool

	opt     rrule.ROption // floating frame
	rrule   *rrule.RRule
	shifted bool
}

// Freq returns the rule frequency.
func (r *Rule) Freq() rrule.Frequency { return r.opt.Freq }

// Bounded reports whether the rule carries COUNT or UNTIL.
func (r *Rule) Bounded() bool { return r.opt.Count > 0 || !r.opt.Until.IsZero() }

// FastForwarded reports whether the rule start was advanced.
func (r *Rule) FastForwarded() bool { return r.shifted }

// Start returns the effective rule start as an absolute instant.
func (r *Rule) Start(loc *time.Location) time.Time {
	t, _ := anchor(r.opt.Dtstart, loc)
	return t.UTC()
}

// Set is a parsed rule set sharing one DTSTART.
type Set struct {
	// Rule is the coerced rule string the set was parsed from.
	Rule    string
	loc     *time.Location
	include []*Rule
	exclude []*Rule
}

// Location returns the DTSTART zone of the set.
func (s *Set) Location() *time.Location { return s.loc }

// Rules returns the inclusion rules followed by the exclusion rules.
func (s *Set) Rules() []*Rule {
	out := make([]*Rule, 0, len(s.include)+len(s.exclude))
	out = append(out, s.include...)
	return append(out, s.exclude...)
}

// Parse coerces naive UNTIL values and parses rule into a Set. When
// fastForward is set, MINUTELY and HOURLY rules without COUNT whose start
// precedes reference are advanced by whole intervals up to reference.
func Parse(rule string, reference time.Time, fastForward bool) (*Set, error) {
	coerced, err := CoerceNaiveUntil(rule)
	if err != nil {
		return nil, err
	}

	props := strings.Fields(coerced)
	start, err := parseDTStart(props[lastDTStart(props)])
	if err != nil {
		return nil, err
	}

	set := &Set{Rule: coerced, loc: start.loc}
	var naive []string
	for _, p := range props {
		name := propName(p)
		switch name {
		case "DTSTART":
			continue
		case "RRULE", "EXRULE":
		default:
			return nil, fmt.Errorf("recurrence: unsupported property %q", p)
		}

		r, err := newRule(p, name == "EXRULE", start)
		if err != nil {
			return nil, err
		}
		if start.naive {
			naive = append(naive, p)
		}
		if fastForward {
			r.fastForward(reference, start.loc)
		}
		if r.rrule, err = rrule.NewRRule(r.opt); err != nil {
			return nil, fmt.Errorf("recurrence: %s: %w", p, err)
		}

		if r.Exclude {
			set.exclude = append(set.exclude, r)
		} else {
			set.include = append(set.include, r)
		}
	}

	if len(naive) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNaiveDTStart, strings.Join(naive, ", "))
	}
	return set, nil
}

func newRule(prop string, exclude bool, start dtstartProp) (*Rule, error) {
	_, value, _ := strings.Cut(prop, ":")
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return nil, fmt.Errorf("recurrence: %s: %w", prop, err)
	}
	if opt.Interval <= 0 {
		opt.Interval = 1
	}

	opt.Dtstart = start.wall
	if !opt.Until.IsZero() {
		opt.Until = floating(opt.Until.In(start.loc))
	}

	return &Rule{Source: prop, Exclude: exclude, opt: *opt}, nil
}

// fastForward advances the start of a MINUTELY or HOURLY rule without
// COUNT by the largest whole multiple of its interval not exceeding the
// time elapsed until reference. Elapsed time is measured on the wall
// clock so the rule yields exactly the instants it would have without
// the shift.
func (r *Rule) fastForward(reference time.Time, loc *time.Location) {
	var step time.Duration
	switch r.opt.Freq {
	case rrule.MINUTELY:
		step = time.Duration(r.opt.Interval) * time.Minute
	case rrule.HOURLY:
		step = time.Duration(r.opt.Interval) * time.Hour
	default:
		return
	}
	if r.opt.Count > 0 {
		return
	}

	ref := floating(reference.In(loc))
	if !r.opt.Dtstart.Before(ref) {
		return
	}

	elapsed := ref.Sub(r.opt.Dtstart)
	r.opt.Dtstart = r.opt.Dtstart.Add(elapsed / step * step)
	r.shifted = true
}

// All yields the occurrences of the set in order as UTC instants.
func (s *Set) All() iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		include := make([]*cursor, 0, len(s.include))
		for _, r := range s.include {
			include = append(include, newCursor(r))
		}
		exclude := make([]*cursor, 0, len(s.exclude))
		for _, r := range s.exclude {
			exclude = append(exclude, newCursor(r))
		}

		for {
			next, ok := earliest(include)
			if !ok {
				return
			}
			for _, c := range include {
				for c.ok && !c.cur.After(next) {
					c.advance()
				}
			}

			if excluded(exclude, next) {
				continue
			}
			at, exists := anchor(next, s.loc)
			if !exists {
				continue
			}
			if !yield(at.UTC()) {
				return
			}
		}
	}
}

// First returns the first occurrence, or nil if the set is empty.
func (s *Set) First() *time.Time {
	for t := range s.All() {
		return &t
	}
	return nil
}

// After returns the first occurrence strictly after t, or nil.
func (s *Set) After(t time.Time) *time.Time {
	for o := range s.All() {
		if o.After(t) {
			return &o
		}
	}
	return nil
}

// Between returns the occurrences in [from, to].
func (s *Set) Between(from, to time.Time) []time.Time {
	var out []time.Time
	for o := range s.All() {
		if o.After(to) {
			break
		}
		if !o.Before(from) {
			out = append(out, o)
		}
	}
	return out
}

// Bounded reports whether every inclusion rule carries COUNT or UNTIL.
func (s *Set) Bounded() bool {
	for _, r := range s.include {
		if !r.Bounded() {
			return false
		}
	}
	return true
}

// EndDate returns the last occurrence of a bounded set. It is nil when
// the set is unbounded or has no occurrences, as happens when UNTIL
// precedes DTSTART.
func (s *Set) EndDate() *time.Time {
	if !s.Bounded() {
		return nil
	}
	var last *time.Time
	for o := range s.All() {
		last = &o
	}
	return last
}

// cursor walks one rule in the floating frame.
type cursor struct {
	next rrule.Next
	cur  time.Time
	ok   bool
}

func newCursor(r *Rule) *cursor {
	c := &cursor{next: r.rrule.Iterator()}
	c.advance()
	return c
}

func (c *cursor) advance() {
	c.cur, c.ok = c.next()
}

func earliest(cursors []*cursor) (time.Time, bool) {
	var first time.Time
	found := false
	for _, c := range cursors {
		if c.ok && (!found || c.cur.Before(first)) {
			first = c.cur
			found = true
		}
	}
	return first, found
}

func excluded(cursors []*cursor, t time.Time) bool {
	hit := false
	for _, c := range cursors {
		for c.ok && c.cur.Before(t) {
			c.advance()
		}
		if c.ok && c.cur.Equal(t) {
			hit = true
		}
	}
	return hit
}

// floating keeps the wall clock fields of t and drops its zone.
func floating(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// anchor places floating wall time f in loc. exists is false when the
// wall time falls in a DST gap of loc.
func anchor(f time.Time, loc *time.Location) (time.Time, bool) {
	t := time.Date(f.Year(), f.Month(), f.Day(), f.Hour(), f.Minute(), f.Second(), f.Nanosecond(), loc)
	exists := t.Year() == f.Year() && t.YearDay() == f.YearDay() &&
		t.Hour() == f.Hour() && t.Minute() == f.Minute() && t.Second() == f.Second()
	return t, exists
}
