package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reference = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func utcTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// =============================================================================
// Naive UNTIL Coercion
// =============================================================================

func TestCoerceNaiveUntil(t *testing.T) {
	tests := []struct {
		name string
		rule string
		want string
	}{
		{
			name: "ljubljana summer time",
			rule: "DTSTART;TZID=Europe/Ljubljana:20380601T120000 RRULE:FREQ=DAILY;INTERVAL=1;UNTIL=20380601T170000",
			want: "DTSTART;TZID=Europe/Ljubljana:20380601T120000 RRULE:FREQ=DAILY;INTERVAL=1;UNTIL=20380601T150000Z",
		},
		{
			name: "new york winter time",
			rule: "DTSTART;TZID=America/New_York:20300102T150000 RRULE:FREQ=HOURLY;INTERVAL=1;UNTIL=20300102T180000",
			want: "DTSTART;TZID=America/New_York:20300102T150000 RRULE:FREQ=HOURLY;INTERVAL=1;UNTIL=20300102T230000Z",
		},
		{
			name: "exrule coerced independently",
			rule: "DTSTART;TZID=America/New_York:20300102T150000 RRULE:FREQ=DAILY;COUNT=5 EXRULE:FREQ=DAILY;UNTIL=20300103T150000",
			want: "DTSTART;TZID=America/New_York:20300102T150000 RRULE:FREQ=DAILY;COUNT=5 EXRULE:FREQ=DAILY;UNTIL=20300103T200000Z",
		},
		{
			name: "utc dtstart",
			rule: "DTSTART:20300112T210000Z RRULE:FREQ=DAILY;UNTIL=20300115T210000",
			want: "DTSTART:20300112T210000Z RRULE:FREQ=DAILY;UNTIL=20300115T210000Z",
		},
		{
			name: "whitespace normalized",
			rule: "DTSTART:20300112T210000Z\n  RRULE:FREQ=DAILY;COUNT=1",
			want: "DTSTART:20300112T210000Z RRULE:FREQ=DAILY;COUNT=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceNaiveUntil(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceNaiveUntil_Idempotent(t *testing.T) {
	rules := []string{
		"DTSTART;TZID=Europe/Ljubljana:20380601T120000 RRULE:FREQ=DAILY;INTERVAL=1;UNTIL=20380601T170000",
		"DTSTART;TZID=America/New_York:20300102T150000 RRULE:FREQ=HOURLY;UNTIL=20300102T180000 EXRULE:FREQ=HOURLY;INTERVAL=2;UNTIL=20300102T170000",
		"DTSTART:20300112T210000Z RRULE:FREQ=DAILY;INTERVAL=1;COUNT=1",
	}

	for _, rule := range rules {
		once, err := CoerceNaiveUntil(rule)
		require.NoError(t, err)
		twice, err := CoerceNaiveUntil(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, rule)
	}
}

func TestCoerceNaiveUntil_RequiresDTStart(t *testing.T) {
	_, err := CoerceNaiveUntil("RRULE:FREQ=DAILY;UNTIL=20300102T180000")
	assert.ErrorIs(t, err, ErrNoDTStart)

	_, err = Parse("RRULE:FREQ=DAILY;COUNT=2", reference, true)
	assert.ErrorIs(t, err, ErrNoDTStart)
}

// =============================================================================
// Parsing and Timezone Validity
// =============================================================================

func TestParse_NaiveDTStart(t *testing.T) {
	_, err := Parse("DTSTART:20300112T210000 RRULE:FREQ=DAILY;COUNT=1 EXRULE:FREQ=WEEKLY;COUNT=1", reference, true)
	require.ErrorIs(t, err, ErrNaiveDTStart)
	assert.Contains(t, err.Error(), "RRULE:FREQ=DAILY;COUNT=1")
	assert.Contains(t, err.Error(), "EXRULE:FREQ=WEEKLY;COUNT=1")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{name: "unknown zone", rule: "DTSTART;TZID=Mars/Olympus:20300112T210000 RRULE:FREQ=DAILY"},
		{name: "missing freq", rule: "DTSTART:20300112T210000Z RRULE:INTERVAL=2"},
		{name: "unsupported property", rule: "DTSTART:20300112T210000Z RDATE:20300113T210000Z"},
		{name: "malformed dtstart", rule: "DTSTART:2030-01-12 RRULE:FREQ=DAILY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.rule, reference, true)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Occurrences
// =============================================================================

func TestSet_SingleOccurrence(t *testing.T) {
	set, err := Parse("DTSTART:20300112T210000Z RRULE:FREQ=DAILY;INTERVAL=1;COUNT=1", reference, true)
	require.NoError(t, err)

	want := utcTime("2030-01-12T21:00:00Z")
	require.NotNil(t, set.First())
	require.NotNil(t, set.After(reference))
	require.NotNil(t, set.EndDate())
	assert.True(t, set.First().Equal(want))
	assert.True(t, set.After(reference).Equal(want))
	assert.True(t, set.EndDate().Equal(want))
	assert.Nil(t, set.After(want))
}

func TestSet_WallClockAcrossDST(t *testing.T) {
	set, err := Parse("DTSTART;TZID=America/New_York:20300308T090000 RRULE:FREQ=DAILY;COUNT=3", reference, true)
	require.NoError(t, err)

	got := set.Between(utcTime("2030-03-01T00:00:00Z"), utcTime("2030-03-31T00:00:00Z"))
	assert.Equal(t, []time.Time{
		utcTime("2030-03-08T14:00:00Z"),
		utcTime("2030-03-09T14:00:00Z"),
		utcTime("2030-03-10T13:00:00Z"),
	}, got)
}

func TestSet_SkipsImaginaryTime(t *testing.T) {
	// 02:30 does not exist in New York on 2030-03-10.
	set, err := Parse("DTSTART;TZID=America/New_York:20300308T023000 RRULE:FREQ=DAILY", reference, true)
	require.NoError(t, err)

	next := set.After(utcTime("2030-03-09T12:00:00Z"))
	require.NotNil(t, next)
	assert.Equal(t, utcTime("2030-03-11T06:30:00Z"), *next)
}

func TestSet_ExcludeRule(t *testing.T) {
	rule := "DTSTART:20300107T080000Z RRULE:FREQ=DAILY EXRULE:FREQ=WEEKLY;BYDAY=SA,SU"
	set, err := Parse(rule, reference, true)
	require.NoError(t, err)

	got := set.Between(utcTime("2030-01-07T00:00:00Z"), utcTime("2030-01-13T23:59:59Z"))
	require.Len(t, got, 5)
	for _, o := range got {
		assert.NotContains(t, []time.Weekday{time.Saturday, time.Sunday}, o.Weekday())
	}
}

func TestSet_MergesRules(t *testing.T) {
	rule := "DTSTART:20300101T000000Z RRULE:FREQ=HOURLY;INTERVAL=6;COUNT=4 RRULE:FREQ=HOURLY;INTERVAL=12;COUNT=2"
	set, err := Parse(rule, reference, true)
	require.NoError(t, err)

	var got []time.Time
	for o := range set.All() {
		got = append(got, o)
	}
	assert.Equal(t, []time.Time{
		utcTime("2030-01-01T00:00:00Z"),
		utcTime("2030-01-01T06:00:00Z"),
		utcTime("2030-01-01T12:00:00Z"),
		utcTime("2030-01-01T18:00:00Z"),
	}, got)
}

// =============================================================================
// Bounded-ness
// =============================================================================

func TestSet_EndDate(t *testing.T) {
	tests := []struct {
		name string
		rule string
		want *time.Time
	}{
		{
			name: "count",
			rule: "DTSTART:20300101T100000Z RRULE:FREQ=DAILY;COUNT=3",
			want: ptr(utcTime("2030-01-03T10:00:00Z")),
		},
		{
			name: "until",
			rule: "DTSTART:20300101T100000Z RRULE:FREQ=WEEKLY;UNTIL=20300122T100000Z",
			want: ptr(utcTime("2030-01-22T10:00:00Z")),
		},
		{
			name: "every rule bounded",
			rule: "DTSTART:20300101T100000Z RRULE:FREQ=DAILY;COUNT=2 RRULE:FREQ=WEEKLY;UNTIL=20300115T100000Z",
			want: ptr(utcTime("2030-01-15T10:00:00Z")),
		},
		{
			name: "one rule unbounded",
			rule: "DTSTART:20300101T100000Z RRULE:FREQ=DAILY;COUNT=2 RRULE:FREQ=WEEKLY",
			want: nil,
		},
		{
			name: "unbounded",
			rule: "DTSTART:20300101T100000Z RRULE:FREQ=MINUTELY;INTERVAL=15",
			want: nil,
		},
		{
			name: "until before dtstart",
			rule: "DTSTART:20300101T100000Z RRULE:FREQ=DAILY;UNTIL=20291201T100000Z",
			want: nil,
		},
		{
			name: "naive until in zone",
			rule: "DTSTART;TZID=Europe/Ljubljana:20380601T120000 RRULE:FREQ=HOURLY;UNTIL=20380601T170000",
			want: ptr(utcTime("2038-06-01T15:00:00Z")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Parse(tt.rule, reference, true)
			require.NoError(t, err)

			got := set.EndDate()
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %v, got %v", tt.want, got)
		})
	}
}

// =============================================================================
// Fast-forwarding
// =============================================================================

func TestFastForward_PreservesNextOccurrence(t *testing.T) {
	rules := []string{
		"DTSTART;TZID=America/New_York:20300101T000700 RRULE:FREQ=MINUTELY;INTERVAL=7",
		"DTSTART;TZID=America/New_York:20300201T013000 RRULE:FREQ=HOURLY;INTERVAL=5",
		"DTSTART:20300101T000000Z RRULE:FREQ=HOURLY;INTERVAL=3;BYMINUTE=15",
		"DTSTART;TZID=Europe/Ljubljana:20300101T000000 RRULE:FREQ=MINUTELY;INTERVAL=45;UNTIL=20300601T000000",
	}
	refs := []time.Time{
		utcTime("2030-03-10T06:59:00Z"),
		utcTime("2030-03-20T12:34:56Z"),
		utcTime("2030-04-01T00:00:00Z"),
	}

	for _, rule := range rules {
		for _, ref := range refs {
			fast, err := Parse(rule, ref, true)
			require.NoError(t, err)
			slow, err := Parse(rule, ref, false)
			require.NoError(t, err)

			assert.True(t, fast.Rules()[0].FastForwarded(), rule)
			assert.False(t, fast.Rules()[0].Start(fast.Location()).After(ref), rule)
			assert.Equal(t, slow.After(ref), fast.After(ref), "rule %s ref %s", rule, ref)
		}
	}
}

func TestFastForward_LeavesRuleUntouched(t *testing.T) {
	ref := utcTime("2030-06-01T00:00:00Z")
	tests := []struct {
		name string
		rule string
	}{
		{name: "count", rule: "DTSTART:20300101T000000Z RRULE:FREQ=MINUTELY;COUNT=100000"},
		{name: "future start", rule: "DTSTART:20310101T000000Z RRULE:FREQ=HOURLY"},
		{name: "daily", rule: "DTSTART:20300101T000000Z RRULE:FREQ=DAILY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Parse(tt.rule, ref, true)
			require.NoError(t, err)
			assert.False(t, set.Rules()[0].FastForwarded())
		})
	}
}

func TestFastForward_MovesFirstOccurrence(t *testing.T) {
	ref := utcTime("2030-01-01T10:17:00Z")
	set, err := Parse("DTSTART:20300101T000000Z RRULE:FREQ=MINUTELY;INTERVAL=5", ref, true)
	require.NoError(t, err)

	first := set.First()
	require.NotNil(t, first)
	assert.Equal(t, utcTime("2030-01-01T10:15:00Z"), *first)

	next := set.After(ref)
	require.NotNil(t, next)
	assert.Equal(t, utcTime("2030-01-01T10:20:00Z"), *next)
}

func ptr(t time.Time) *time.Time { return &t }
