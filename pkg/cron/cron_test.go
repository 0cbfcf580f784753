package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleAcceptsFiveAndSixField(t *testing.T) {
	_, err := ParseSchedule("* * * * *")
	require.NoError(t, err)

	_, err = ParseSchedule("*/5 * * * * *")
	require.NoError(t, err)
}

func TestParseScheduleRejectsGarbage(t *testing.T) {
	_, err := ParseSchedule("not a schedule")
	assert.Error(t, err)
}

func TestNextFireAfterIsStrictlyLater(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	next, err := NextFireAfter("* * * * *", now)
	require.NoError(t, err)
	assert.True(t, next.After(now))
	assert.Equal(t, time.UTC, next.Location())
}

func TestNextFireAfterEveryMinute(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 30, 17, 0, time.UTC)
	next, err := NextFireAfter("* * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 29, 12, 31, 0, 0, time.UTC), next)
}
