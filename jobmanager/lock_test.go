package jobmanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisLock_Key(t *testing.T) {
	t.Parallel()

	t.Run("no prefix", func(t *testing.T) {
		t.Parallel()
		l := NewRedisLock(nil, "")
		require.Equal(t, "lock:install_schedules", l.key("install_schedules"))
	})

	t.Run("with prefix", func(t *testing.T) {
		t.Parallel()
		l := NewRedisLock(nil, "reposync")
		require.Equal(t, "reposync:lock:install_schedules", l.key("install_schedules"))
	})
}
