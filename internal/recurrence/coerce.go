package recurrence

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	basicLayout    = "20060102T150405"
	basicLayoutUTC = "20060102T150405Z"
)

var untilPattern = regexp.MustCompile(`(?i)(UNTIL=)([0-9]{8}T[0-9]{6})(Z?)`)

// dtstartProp is a parsed DTSTART property.
type dtstartProp struct {
	wall  time.Time // wall clock fields, location UTC
	loc   *time.Location
	naive bool // no TZID and no trailing Z
}

// CoerceNaiveUntil rewrites every UNTIL lacking a UTC suffix as UTC. The
// naive value is read in the DTSTART zone. RRULE and EXRULE properties are
// treated alike. Properties are rejoined with single spaces; a string
// whose UNTIL values are already UTC comes back unchanged.
func CoerceNaiveUntil(rule string) (string, error) {
	props := strings.Fields(rule)

	dtIdx := lastDTStart(props)
	if dtIdx < 0 {
		return "", ErrNoDTStart
	}
	start, err := parseDTStart(props[dtIdx])
	if err != nil {
		return "", err
	}

	for i, p := range props {
		if i == dtIdx || !strings.Contains(strings.ToUpper(p), "UNTIL=") {
			continue
		}
		var convErr error
		props[i] = untilPattern.ReplaceAllStringFunc(p, func(m string) string {
			parts := untilPattern.FindStringSubmatch(m)
			if parts[3] != "" {
				return m
			}
			local, err := time.ParseInLocation(basicLayout, parts[2], start.loc)
			if err != nil {
				convErr = fmt.Errorf("invalid UNTIL %q: %w", parts[2], err)
				return m
			}
			return parts[1] + local.UTC().Format(basicLayoutUTC)
		})
		if convErr != nil {
			return "", convErr
		}
	}

	return strings.Join(props, " "), nil
}

// lastDTStart returns the index of the DTSTART property in effect, or -1.
// Later DTSTART properties override earlier ones.
func lastDTStart(props []string) int {
	idx := -1
	for i, p := range props {
		if propName(p) == "DTSTART" {
			idx = i
		}
	}
	return idx
}

// propName returns the upper-cased property name of NAME[;PARAMS]:VALUE.
func propName(p string) string {
	end := strings.IndexAny(p, ";:")
	if end < 0 {
		return strings.ToUpper(p)
	}
	return strings.ToUpper(p[:end])
}

// parseDTStart parses DTSTART[;TZID=zone]:YYYYMMDDTHHMMSS[Z]. Naive values
// are read as UTC and flagged.
func parseDTStart(p string) (dtstartProp, error) {
	colon := strings.LastIndex(p, ":")
	if colon < 0 {
		return dtstartProp{}, fmt.Errorf("invalid DTSTART %q", p)
	}
	head, value := p[:colon], p[colon+1:]

	var tzid string
	for _, param := range strings.Split(head, ";")[1:] {
		key, val, ok := strings.Cut(param, "=")
		if ok && strings.EqualFold(key, "TZID") {
			tzid = val
		}
	}

	prop := dtstartProp{loc: time.UTC}
	switch {
	case strings.HasSuffix(strings.ToUpper(value), "Z"):
		value = value[:len(value)-1]
	case tzid != "":
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			return dtstartProp{}, fmt.Errorf("unknown TZID %q: %w", tzid, err)
		}
		prop.loc = loc
	default:
		prop.naive = true
	}

	wall, err := time.Parse(basicLayout, value)
	if err != nil {
		return dtstartProp{}, fmt.Errorf("invalid DTSTART value %q: %w", value, err)
	}
	prop.wall = wall
	return prop, nil
}
