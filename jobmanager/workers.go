package jobmanager

import (
	"context"
	"fmt"
	"regexp"

	"github.com/riverqueue/river"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/registrar"
	"github.com/pulpfleet/reposync/syncdriver"
)

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

// syncRepoGroupWorker runs sync_repos (§4.5.2), ad hoc or scheduled.
type syncRepoGroupWorker struct {
	river.WorkerDefaults[SyncRepoGroupArgs]
	manager *Manager
}

func (w *syncRepoGroupWorker) Work(ctx context.Context, job *river.Job[SyncRepoGroupArgs]) error {
	args := job.Args
	taskID, err := w.manager.ensureTaskID(ctx, args.TaskID, "sync_repos:"+args.ServerName, domain.TaskRepoGroupSync, map[string]any{
		"server_name": args.ServerName,
	})
	if err != nil {
		return err
	}

	return w.manager.runTask(ctx, taskID, func(ctx context.Context) error {
		include, err := compileOptional(args.IncludeRegex)
		if err != nil {
			return fmt.Errorf("jobmanager: compile include_regex: %w", err)
		}
		exclude, err := compileOptional(args.ExcludeRegex)
		if err != nil {
			return fmt.Errorf("jobmanager: compile exclude_regex: %w", err)
		}
		return w.manager.driver.SyncServer(ctx, syncdriver.SyncOptions{
			ServerName:         args.ServerName,
			UpstreamServerName: args.UpstreamServerName,
			IncludeRegex:       include,
			ExcludeRegex:       exclude,
			MaxConcurrent:      args.MaxConcurrentSyncs,
			ParentTaskID:       taskID,
		})
	})
}

// registerReposWorker runs register_repos (§4.4), ad hoc or scheduled.
type registerReposWorker struct {
	river.WorkerDefaults[RegisterReposArgs]
	manager *Manager
}

func (w *registerReposWorker) Work(ctx context.Context, job *river.Job[RegisterReposArgs]) error {
	args := job.Args
	taskID, err := w.manager.ensureTaskID(ctx, args.TaskID, "register_repos:"+args.ServerName, domain.TaskRepoCreationFromGit, map[string]any{
		"server_name": args.ServerName,
	})
	if err != nil {
		return err
	}

	return w.manager.runTask(ctx, taskID, func(ctx context.Context) error {
		dir := args.ConfigDir
		cleanup := func() {}
		if dir == "" {
			if w.manager.gitRepoURL == "" {
				return fmt.Errorf("jobmanager: register_repos has no config_dir and no git repo url is configured")
			}
			d, c, err := registrar.AcquireGit(ctx, w.manager.gitRepoURL, "")
			if err != nil {
				return err
			}
			dir, cleanup = d, c
		}
		defer cleanup()

		cfg := w.manager.regCfg
		if args.IncludeRegex != "" {
			re, err := regexp.Compile(args.IncludeRegex)
			if err != nil {
				return fmt.Errorf("jobmanager: compile include_regex: %w", err)
			}
			cfg.IncludeRegex = re
		}
		if args.ExcludeRegex != "" {
			re, err := regexp.Compile(args.ExcludeRegex)
			if err != nil {
				return fmt.Errorf("jobmanager: compile exclude_regex: %w", err)
			}
			cfg.ExcludeRegex = re
		}

		r := registrar.New(cfg, w.manager.secrets, w.manager.driver, w.manager.logger)
		return r.Register(ctx, dir, args.ServerName)
	})
}

// removeContentWorker runs remove_repo_content.
type removeContentWorker struct {
	river.WorkerDefaults[RemoveContentArgs]
	manager *Manager
}

func (w *removeContentWorker) Work(ctx context.Context, job *river.Job[RemoveContentArgs]) error {
	args := job.Args
	return w.manager.runTask(ctx, args.TaskID, func(ctx context.Context) error {
		return w.manager.driver.RemoveContent(ctx, syncdriver.RemoveContentOptions{
			ServerName:    args.ServerName,
			RepoName:      args.RepoName,
			ContentHandle: args.ContentHandle,
			ForcePublish:  args.ForcePublish,
		})
	})
}

// snapshotWorker runs repo_snapshot.
type snapshotWorker struct {
	river.WorkerDefaults[SnapshotArgs]
	manager *Manager
}

func (w *snapshotWorker) Work(ctx context.Context, job *river.Job[SnapshotArgs]) error {
	args := job.Args
	return w.manager.runTask(ctx, args.TaskID, func(ctx context.Context) error {
		include, err := compileOptional(args.IncludeRegex)
		if err != nil {
			return err
		}
		exclude, err := compileOptional(args.ExcludeRegex)
		if err != nil {
			return err
		}
		return w.manager.snapshot.Snapshot(ctx, SnapshotOptions{
			ServerName:         args.ServerName,
			SnapshotPrefix:     args.SnapshotPrefix,
			AllowSnapshotReuse: args.AllowSnapshotReuse,
			IncludeRegex:       include,
			ExcludeRegex:       exclude,
		})
	})
}

// removalWorker runs repo_removal.
type removalWorker struct {
	river.WorkerDefaults[RemovalArgs]
	manager *Manager
}

func (w *removalWorker) Work(ctx context.Context, job *river.Job[RemovalArgs]) error {
	args := job.Args
	return w.manager.runTask(ctx, args.TaskID, func(ctx context.Context) error {
		include, err := compileOptional(args.IncludeRegex)
		if err != nil {
			return err
		}
		exclude, err := compileOptional(args.ExcludeRegex)
		if err != nil {
			return err
		}
		return w.manager.driver.RemoveRepos(ctx, syncdriver.RemovalOptions{
			ServerName:   args.ServerName,
			IncludeRegex: include,
			ExcludeRegex: exclude,
			DryRun:       args.DryRun,
		})
	})
}

// installSchedulesArgs drives the singleton, always-scheduled job that
// reconciles every content server's installed periodic jobs against its
// configured ServerRepoGroup and RegistrationCron rows (§5).
type installSchedulesArgs struct{}

func (installSchedulesArgs) Kind() string { return "install_schedules" }

type installSchedulesWorker struct {
	river.WorkerDefaults[installSchedulesArgs]
	manager *Manager
}

func (w *installSchedulesWorker) Work(ctx context.Context, _ *river.Job[installSchedulesArgs]) error {
	return w.manager.InstallSchedules(ctx)
}
