package domain

import "time"

// TaskType enumerates the units of work the job manager can enqueue.
type TaskType string

const (
	TaskRepoGroupSync        TaskType = "repo_group_sync"
	TaskRemoveRepoContent    TaskType = "remove_repo_content"
	TaskRepoSnapshot         TaskType = "repo_snapshot"
	TaskRepoRemoval          TaskType = "repo_removal"
	TaskRepoCreationFromGit  TaskType = "repo_creation_from_git"
	TaskRepoSync             TaskType = "repo_sync"
)

// TaskState is the lifecycle state of a Task. Transitions are monotone:
// queued -> (running|canceled), running -> (completed|failed|canceled).
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// Terminal reports whether s is one of the states a Task cannot leave.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the single-step transitions a Task may
// make; anything not listed here is an InvalidState error.
var validTransitions = map[TaskState]map[TaskState]bool{
	TaskQueued:  {TaskRunning: true, TaskCanceled: true},
	TaskRunning: {TaskCompleted: true, TaskFailed: true, TaskCanceled: true},
}

// CanTransition reports whether moving from 'from' to 'to' is a valid
// single step.
func CanTransition(from, to TaskState) bool {
	return validTransitions[from][to]
}

// TaskError is the structured error recorded on a failed Task or
// TaskStage.
type TaskError struct {
	Detail map[string]any `json:"detail,omitempty"`
	Msg    string         `json:"msg"`
}

// Task is the durable record of one unit of tracked work, whether it was
// enqueued ad hoc or installed as a schedule.
type Task struct {
	DateQueued   time.Time
	DateStarted  *time.Time
	DateFinished *time.Time
	ParentTaskID *int64
	Error        *TaskError
	Name         string
	WorkerJobID  string
	WorkerName   string
	Type         TaskType
	State        TaskState
	Args         map[string]any
	ID           int64
}

// TaskStage is one step in a Task's multi-step execution. Stages are
// appended, never replaced; at most one stage per Task is non-terminal
// at a time.
type TaskStage struct {
	Error    *TaskError
	Name     string
	Detail   map[string]any
	TaskID   int64
	ID       int64
	Terminal bool
}

// ServerRepoTask binds a ServerRepo to the child Task created to sync
// it, so health windowing can look back over recent Tasks for that
// binding.
type ServerRepoTask struct {
	DateCreated time.Time
	ID          int64
	ServerID    int64
	RepoID      int64
	TaskID      int64
}
