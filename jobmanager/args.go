package jobmanager

// SyncRepoGroupArgs is the River job payload for both the "sync_repos"
// ad-hoc task and its scheduled counterpart (§4.6's "Install schedules"
// step 2). TaskID is zero for a freshly-fired scheduled occurrence; the
// worker creates the Task row lazily in that case (there is no caller
// waiting for a handle, unlike the ad-hoc Queue* path).
type SyncRepoGroupArgs struct {
	TaskID              int64  `json:"task_id"`
	ServerName          string `json:"server_name"`
	UpstreamServerName  string `json:"upstream_server_name,omitempty"`
	IncludeRegex        string `json:"include_regex,omitempty"`
	ExcludeRegex        string `json:"exclude_regex,omitempty"`
	MaxConcurrentSyncs  int    `json:"max_concurrent_syncs,omitempty"`
}

func (SyncRepoGroupArgs) Kind() string { return "sync_repos" }

// RegisterReposArgs is the payload for "register_repos", ad hoc or
// installed as the server's registration schedule. ConfigDir empty
// means "clone from Git" (§4.6 step 3).
type RegisterReposArgs struct {
	TaskID       int64  `json:"task_id"`
	ServerName   string `json:"server_name"`
	ConfigDir    string `json:"config_dir,omitempty"`
	IncludeRegex string `json:"include_regex,omitempty"`
	ExcludeRegex string `json:"exclude_regex,omitempty"`
}

func (RegisterReposArgs) Kind() string { return "register_repos" }

// RemoveContentArgs is queue_remove_content_task's payload.
type RemoveContentArgs struct {
	TaskID        int64  `json:"task_id"`
	ServerName    string `json:"server_name"`
	RepoName      string `json:"repo_name"`
	ContentHandle string `json:"content_href"`
	ForcePublish  bool   `json:"force_publish"`
}

func (RemoveContentArgs) Kind() string { return "remove_repo_content" }

// SnapshotArgs is queue_snapshot_task's payload.
type SnapshotArgs struct {
	TaskID             int64  `json:"task_id"`
	ServerName         string `json:"server_name"`
	SnapshotPrefix     string `json:"snapshot_prefix"`
	AllowSnapshotReuse bool   `json:"allow_snapshot_reuse"`
	IncludeRegex       string `json:"include_regex,omitempty"`
	ExcludeRegex       string `json:"exclude_regex,omitempty"`
}

func (SnapshotArgs) Kind() string { return "repo_snapshot" }

// RemovalArgs is queue_removal_task's payload.
type RemovalArgs struct {
	TaskID       int64  `json:"task_id"`
	ServerName   string `json:"server_name"`
	IncludeRegex string `json:"include_regex,omitempty"`
	ExcludeRegex string `json:"exclude_regex,omitempty"`
	DryRun       bool   `json:"dry_run"`
}

func (RemovalArgs) Kind() string { return "repo_removal" }

// taskIDArgs is the minimal shape the failure callback needs to decode
// out of any job's raw encoded args, per §4.6.2 "look up the Task by
// the job's embedded task_id".
type taskIDArgs struct {
	TaskID int64 `json:"task_id"`
}
