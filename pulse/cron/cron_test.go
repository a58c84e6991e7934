package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/reportd/errors"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestNextFireTime(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		tz    string
		after string
		want  string
	}{
		{
			name:  "daily at nine UTC rolls to next day",
			expr:  "0 9 * * *",
			tz:    "UTC",
			after: "2024-01-01T10:00:00Z",
			want:  "2024-01-02T09:00:00Z",
		},
		{
			name:  "empty timezone is UTC",
			expr:  "0 9 * * *",
			after: "2024-01-01T08:59:59Z",
			want:  "2024-01-01T09:00:00Z",
		},
		{
			name:  "strictly after the reference time",
			expr:  "0 9 * * *",
			tz:    "UTC",
			after: "2024-01-01T09:00:00Z",
			want:  "2024-01-02T09:00:00Z",
		},
		{
			name:  "every five minutes",
			expr:  "*/5 * * * *",
			tz:    "UTC",
			after: "2024-01-01T10:02:30Z",
			want:  "2024-01-01T10:05:00Z",
		},
		{
			name:  "evaluated in the schedule timezone",
			expr:  "0 9 * * *",
			tz:    "Europe/Berlin",
			after: "2024-01-01T10:00:00Z",
			want:  "2024-01-02T08:00:00Z",
		},
		{
			name:  "weekdays only skips the weekend",
			expr:  "0 8 * * 1-5",
			tz:    "UTC",
			after: "2024-01-05T09:00:00Z", // Friday
			want:  "2024-01-08T08:00:00Z", // Monday
		},
		{
			name:  "restricted dom and dow match either",
			expr:  "0 0 13 * 5",
			tz:    "UTC",
			after: "2024-01-01T00:00:00Z",
			want:  "2024-01-05T00:00:00Z", // first Friday precedes the 13th
		},
		{
			name:  "month boundary",
			expr:  "0 6 1 * *",
			tz:    "UTC",
			after: "2024-01-31T12:00:00Z",
			want:  "2024-02-01T06:00:00Z",
		},
		{
			name:  "leap day",
			expr:  "0 0 29 2 *",
			tz:    "UTC",
			after: "2024-03-01T00:00:00Z",
			want:  "2028-02-29T00:00:00Z",
		},
		{
			name:  "daily descriptor",
			expr:  "@daily",
			tz:    "America/New_York",
			after: "2024-06-01T12:00:00Z",
			want:  "2024-06-02T04:00:00Z",
		},
		{
			name:  "every descriptor ignores timezone",
			expr:  "@every 15m",
			tz:    "Asia/Tokyo",
			after: "2024-06-01T12:00:00Z",
			want:  "2024-06-01T12:15:00Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextFireTime(tt.expr, tt.tz, mustTime(t, tt.after))
			require.NoError(t, err)
			assert.Equal(t, mustTime(t, tt.want), got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNextFireTime_SkippedHour(t *testing.T) {
	// 2024-03-10 02:00 EST jumps to 03:00 EDT in New York
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	midnight := time.Date(2024, 3, 10, 0, 0, 0, 0, ny)

	got, err := NextFireTime("30 2 * * *", "America/New_York", midnight)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-10T07:00:00Z"), got, "02:30 moves to 03:00 EDT")

	next, err := NextFireTime("30 2 * * *", "America/New_York", got)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-11T06:30:00Z"), next, "back to 02:30 EDT the following day")
}

func TestNextFireTime_SkippedHourFiresOnceForManyMinutes(t *testing.T) {
	after := mustTime(t, "2024-03-10T06:45:00Z") // 01:45 EST

	first, err := NextFireTime("*/15 * * * *", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-10T07:00:00Z"), first)

	second, err := NextFireTime("*/15 * * * *", "America/New_York", first)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-10T07:15:00Z"), second, "03:15 EDT follows; gap minutes are not replayed")
}

func TestNextFireTime_RepeatedHour(t *testing.T) {
	// 2024-11-03 02:00 EDT falls back to 01:00 EST in New York
	first, err := NextFireTime("30 1 * * *", "America/New_York", mustTime(t, "2024-11-03T04:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-11-03T05:30:00Z"), first, "first occurrence is 01:30 EDT")

	next, err := NextFireTime("30 1 * * *", "America/New_York", first)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-11-04T06:30:00Z"), next, "01:30 EST the same night does not fire")

	// Evaluating from inside the second pass must not fire the repeat either
	fromSecondPass, err := NextFireTime("30 1 * * *", "America/New_York", mustTime(t, "2024-11-03T06:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-11-04T06:30:00Z"), fromSecondPass)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		expr string
		tz   string
		want error
	}{
		{name: "empty", expr: "", want: ErrInvalidExpression},
		{name: "too few fields", expr: "0 9 *", want: ErrInvalidExpression},
		{name: "out of range minute", expr: "61 * * * *", want: ErrInvalidExpression},
		{name: "seconds field not supported", expr: "0 0 9 * * *", want: ErrInvalidExpression},
		{name: "garbage", expr: "every day at nine", want: ErrInvalidExpression},
		{name: "inline timezone", expr: "CRON_TZ=Asia/Tokyo 0 9 * * *", want: ErrInvalidExpression},
		{name: "unknown timezone", expr: "0 9 * * *", tz: "Mars/Olympus", want: ErrInvalidTimezone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr, tt.tz)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.NotEmpty(t, errors.GetAllHints(err))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("0 9 * * 1-5", "Europe/London"))
	assert.NoError(t, Validate("@hourly", ""))

	err := Validate("0 0 30 2 *", "UTC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFireTime))
}

func TestUpcoming(t *testing.T) {
	e, err := Parse("0 9,17 * * *", "UTC")
	require.NoError(t, err)

	got, err := e.Upcoming(mustTime(t, "2024-01-01T12:00:00Z"), 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		mustTime(t, "2024-01-01T17:00:00Z"),
		mustTime(t, "2024-01-02T09:00:00Z"),
		mustTime(t, "2024-01-02T17:00:00Z"),
	}, got)
}
