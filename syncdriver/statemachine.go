package syncdriver

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

// Stage names, matching §4.5.4's stage-dispatch-by-name rule exactly.
const (
	stageSyncRepo        = "sync repo"
	stageRemoveBanned    = "remove banned packages"
	stagePublishRepo     = "publish repo"
)

// syncUnit carries the per-repo state a fan-out iteration advances:
// the ServerRepo being synced, its bound child Task, and the handle of
// the server-side task the current stage is waiting on.
type syncUnit struct {
	repo        *domain.ServerRepo
	task        *domain.Task
	kind        domain.Kind
	stageID     int64
	stageName   string
	taskHandle  string
}

// startSync implements §4.5.4.1: admit the unit into the in-flight set
// (transitioning its Task from queued to running at the moment fanOut
// actually starts it, per §8 Concrete Scenario 2 — not at Task-creation
// time), create a server-side sync, and record stage "sync repo" with
// the returned handle. Returns done=true if the unit failed outright
// and must not enter the in-flight set.
func (d *Driver) startSync(ctx context.Context, client *contentserver.Client, u *syncUnit) (bool, error) {
	if err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		return d.store.UpdateTaskState(ctx, tx, u.task.ID, domain.TaskRunning, nil)
	}); err != nil {
		return true, err
	}
	u.task.State = domain.TaskRunning

	handle, err := client.SyncRepository(ctx, u.repo.RepositoryHandle, u.repo.RemoteHandle)
	if err != nil {
		return true, d.failTask(ctx, u, err)
	}
	stageID, err := d.appendStage(ctx, u.task.ID, stageSyncRepo, handle)
	if err != nil {
		return true, err
	}
	u.stageID = stageID
	u.stageName = stageSyncRepo
	u.taskHandle = handle
	return false, nil
}

// progressSync implements §4.5.4.2: a single poll of the current
// server task, returning true when the unit is done (terminal, either
// way) and should leave the in-flight set.
func (d *Driver) progressSync(ctx context.Context, client *contentserver.Client, kind domain.Kind, u *syncUnit) (bool, error) {
	serverTask, err := client.GetServerTask(ctx, u.taskHandle)
	if err != nil {
		return true, d.failTask(ctx, u, err)
	}

	switch serverTask.State {
	case contentserver.ServerTaskWaiting, contentserver.ServerTaskRunning:
		return false, nil
	case contentserver.ServerTaskFailed, contentserver.ServerTaskCanceled:
		detail := map[string]any{"handle": u.taskHandle, "state": string(serverTask.State)}
		if serverTask.Error != nil {
			detail["description"] = serverTask.Error.Description
		}
		return true, d.failTask(ctx, u, errs.New(errs.UpstreamFailure, "server task finished in terminal failure state", errs.WithDetail(detail)))
	}

	switch u.stageName {
	case stageSyncRepo:
		return d.afterSync(ctx, client, kind, u, serverTask)
	case stageRemoveBanned:
		return d.afterBannedRemoval(ctx, client, kind, u)
	case stagePublishRepo:
		return true, d.completeTask(ctx, u)
	default:
		return true, d.failTask(ctx, u, errs.New(errs.InvalidState, "unknown stage: "+u.stageName))
	}
}

// afterSync handles the "sync repo" stage completing: if it produced a
// new repository version (non-empty CreatedResources), optionally gate
// through banned-package removal before publication; otherwise skip
// publication unconditionally.
func (d *Driver) afterSync(ctx context.Context, client *contentserver.Client, kind domain.Kind, u *syncUnit, serverTask *contentserver.ServerTask) (bool, error) {
	if err := d.closeStage(ctx, u.stageID, nil); err != nil {
		return true, err
	}
	if len(serverTask.CreatedResources) == 0 {
		return true, d.completeTask(ctx, u)
	}

	if !d.isInternalRemote(u.repo.RemoteFeed) {
		handle, removed, err := d.removeBannedPackages(ctx, client, kind, u.repo.RepositoryHandle)
		if err != nil {
			return true, d.failTask(ctx, u, err)
		}
		if removed {
			stageID, err := d.appendStage(ctx, u.task.ID, stageRemoveBanned, handle)
			if err != nil {
				return true, err
			}
			u.stageID = stageID
			u.stageName = stageRemoveBanned
			u.taskHandle = handle
			return false, nil
		}
	}

	return d.startOrSkipPublish(ctx, client, kind, u)
}

// afterBannedRemoval handles the "remove banned packages" stage
// completing: always move on to publication.
func (d *Driver) afterBannedRemoval(ctx context.Context, client *contentserver.Client, kind domain.Kind, u *syncUnit) (bool, error) {
	if err := d.closeStage(ctx, u.stageID, nil); err != nil {
		return true, err
	}
	return d.startOrSkipPublish(ctx, client, kind, u)
}

// removeBannedPackages implements §4.5.4.3: fetch the content summary,
// page through the kind's package endpoint, and collect handles whose
// match-name field matches the configured banned-package regex. Returns
// (task handle, true) if a modify-repository call was issued, or
// ("", false) if there was nothing to remove.
func (d *Driver) removeBannedPackages(ctx context.Context, client *contentserver.Client, kind domain.Kind, repoHandle string) (string, bool, error) {
	if d.bannedPackageRegex == nil {
		return "", false, nil
	}

	summary, err := client.LatestContentSummary(ctx, repoHandle)
	if err != nil {
		return "", false, err
	}
	endpoint, ok := summary.PackageEndpoints[kind]
	if !ok || endpoint == "" {
		return "", false, nil
	}

	packages, err := client.ListPackages(ctx, endpoint)
	if err != nil {
		return "", false, err
	}

	var banned []string
	for _, pkg := range packages {
		if d.bannedPackageRegex.MatchString(pkg.MatchName(kind)) {
			banned = append(banned, pkg.Handle)
		}
	}
	if len(banned) == 0 {
		return "", false, nil
	}

	handle, err := client.ModifyRepository(ctx, repoHandle, banned)
	if err != nil {
		return "", false, err
	}
	return handle, true, nil
}

// startOrSkipPublish implements §4.5.4.4/§4.5.4.5: skip publication if
// one already exists for the repository's latest version, otherwise
// build the kind-specific publication body and issue the create.
func (d *Driver) startOrSkipPublish(ctx context.Context, client *contentserver.Client, kind domain.Kind, u *syncUnit) (bool, error) {
	repoVersion := u.repo.RepositoryHandle + "versions/latest/"
	exists, err := client.ExistingPublicationForVersion(ctx, kind, repoVersion)
	if err != nil {
		return true, d.failTask(ctx, u, err)
	}
	if exists {
		return true, d.completeTask(ctx, u)
	}

	basePath, err := d.distributionBasePath(ctx, client, kind, u.repo.DistributionHandle)
	if err != nil {
		return true, d.failTask(ctx, u, err)
	}
	body := publicationBody(kind, u.repo.RepositoryHandle, basePath)
	handle, err := client.CreatePublication(ctx, kind, body)
	if err != nil {
		return true, d.failTask(ctx, u, err)
	}
	stageID, err := d.appendStage(ctx, u.task.ID, stagePublishRepo, handle)
	if err != nil {
		return true, err
	}
	u.stageID = stageID
	u.stageName = stagePublishRepo
	u.taskHandle = handle
	return false, nil
}

// distributionBasePath resolves a distribution handle to its base_path,
// needed to tell a flat deb distribution (base_path ending in "/") from
// a structured one (§4.5.4.4).
func (d *Driver) distributionBasePath(ctx context.Context, client *contentserver.Client, kind domain.Kind, handle string) (string, error) {
	if handle == "" {
		return "", nil
	}
	dists, err := client.ListDistributions(ctx, kind, nil)
	if err != nil {
		return "", err
	}
	for i := range dists {
		if dists[i].Handle == handle {
			return dists[i].BasePath, nil
		}
	}
	return "", nil
}

// publicationBody builds the kind-specific publication request body per
// §4.5.4.4.
func publicationBody(kind domain.Kind, repositoryHandle, distribution string) map[string]any {
	body := map[string]any{"repository": repositoryHandle}
	switch kind {
	case domain.KindRPM:
		body["metadata_checksum_type"] = "sha256"
		body["package_checksum_type"] = "sha256"
	case domain.KindDeb:
		if strings.HasSuffix(distribution, "/") {
			body["structured"] = false
			body["simple"] = true
		} else {
			body["structured"] = true
		}
	}
	return body
}

func (d *Driver) appendStage(ctx context.Context, taskID int64, name, handle string) (int64, error) {
	var stageID int64
	err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		id, err := d.store.AppendStage(ctx, tx, &domain.TaskStage{
			TaskID: taskID,
			Name:   name,
			Detail: map[string]any{"handle": handle},
		})
		if err != nil {
			return err
		}
		stageID = id
		return nil
	})
	return stageID, err
}

func (d *Driver) closeStage(ctx context.Context, stageID int64, stageErr *domain.TaskError) error {
	return d.store.WithTx(ctx, func(tx pgx.Tx) error {
		return d.store.CloseStage(ctx, tx, stageID, stageErr)
	})
}

func (d *Driver) completeTask(ctx context.Context, u *syncUnit) error {
	return d.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := d.store.CloseStage(ctx, tx, u.stageID, nil); err != nil {
			return err
		}
		return d.store.UpdateTaskState(ctx, tx, u.task.ID, domain.TaskCompleted, nil)
	})
}

// failTask marks both the current stage and the Task failed, capturing
// cause as the structured error, and logs it — it never re-raises,
// since a per-repo failure must not abort the rest of the fan-out.
func (d *Driver) failTask(ctx context.Context, u *syncUnit, cause error) error {
	taskErr := &domain.TaskError{Msg: cause.Error()}
	err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		if u.stageID != 0 {
			if err := d.store.CloseStage(ctx, tx, u.stageID, taskErr); err != nil {
				return err
			}
		}
		return d.store.UpdateTaskState(ctx, tx, u.task.ID, domain.TaskFailed, taskErr)
	})
	if err != nil {
		d.logger.Error("mark task failed", "task_id", u.task.ID, "repo", u.repo.Name, "error", err)
		return err
	}
	d.logger.Warn("repo sync failed", "task_id", u.task.ID, "repo", u.repo.Name, "cause", cause)
	return nil
}
