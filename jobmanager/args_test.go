package jobmanager

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobArgs_Kind(t *testing.T) {
	t.Parallel()

	require.Equal(t, "sync_repos", SyncRepoGroupArgs{}.Kind())
	require.Equal(t, "register_repos", RegisterReposArgs{}.Kind())
	require.Equal(t, "remove_repo_content", RemoveContentArgs{}.Kind())
	require.Equal(t, "repo_snapshot", SnapshotArgs{}.Kind())
	require.Equal(t, "repo_removal", RemovalArgs{}.Kind())
}

func TestTaskIDArgs_DecodesEmbeddedTaskID(t *testing.T) {
	t.Parallel()

	encoded, err := json.Marshal(SyncRepoGroupArgs{TaskID: 42, ServerName: "server-a"})
	require.NoError(t, err)

	var decoded taskIDArgs
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, int64(42), decoded.TaskID)
}

func TestCompileOptional(t *testing.T) {
	t.Parallel()

	re, err := compileOptional("")
	require.NoError(t, err)
	require.Nil(t, re)

	re, err = compileOptional("^foo-.*$")
	require.NoError(t, err)
	require.NotNil(t, re)
	require.True(t, re.MatchString("foo-bar"))

	_, err = compileOptional("(unbalanced")
	require.Error(t, err)
}
