package jobmanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScheduleKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "sync_repos:server-a:7", scheduleKey("sync_repos", "server-a", 7))
	require.Equal(t, "register_repos:server-b:0", scheduleKey("register_repos", "server-b", 0))
}

func TestParseCronSchedule(t *testing.T) {
	t.Parallel()

	t.Run("valid expression", func(t *testing.T) {
		t.Parallel()

		schedule, err := parseCronSchedule("*/5 * * * *")
		require.NoError(t, err)
		require.NotNil(t, schedule)
	})

	t.Run("invalid expression errors", func(t *testing.T) {
		t.Parallel()

		_, err := parseCronSchedule("not a cron expression")
		require.Error(t, err)
	})
}
