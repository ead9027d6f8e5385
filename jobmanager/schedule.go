package jobmanager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"

	"github.com/pulpfleet/reposync/domain"
)

// installSchedulesLockName is the distributed lock key guarding
// InstallSchedules, since install_schedules periodic jobs fire
// independently in every worker process.
const installSchedulesLockName = "install_schedules"

// installSchedulesLockTTL bounds how long one process may hold the
// lock; generous relative to how long a fleet-wide reconcile should
// ever take, so a crash mid-run doesn't wedge the next firing for long.
const installSchedulesLockTTL = 2 * time.Minute

// cronScheduleAdapter adapts robfig/cron to River's PeriodicSchedule
// interface, the same shim the Forge job manager uses.
type cronScheduleAdapter struct {
	schedule cron.Schedule
}

func (a *cronScheduleAdapter) Next(current time.Time) time.Time {
	return a.schedule.Next(current)
}

func parseCronSchedule(expr string) (river.PeriodicSchedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &cronScheduleAdapter{schedule: schedule}, nil
}

// scheduleKey names one installed periodic job in scheduleIndex, per
// Open Question Decision 4: "{job_type}:{server_name}:{group_id}".
func scheduleKey(jobType, serverName string, groupID int64) string {
	return fmt.Sprintf("%s:%s:%d", jobType, serverName, groupID)
}

// InstallSchedules reconciles every installed periodic job against the
// current ServerRepoGroup and ContentServer.RegistrationCron rows (§5:
// "the schedule loop removes this server's previously installed entries
// then recreates them from its current configuration"). It runs as the
// singleton install_schedules job, reinstalling on every fire so edits
// made through the API take effect without a restart.
func (m *Manager) InstallSchedules(ctx context.Context) error {
	if m.lock != nil {
		token, ok, err := m.lock.TryLock(ctx, installSchedulesLockName, installSchedulesLockTTL)
		if err != nil {
			return fmt.Errorf("jobmanager: acquire install_schedules lock: %w", err)
		}
		if !ok {
			m.logger.Info("install_schedules: another process holds the lock, skipping this run")
			return nil
		}
		defer func() {
			if err := m.lock.Unlock(context.WithoutCancel(ctx), installSchedulesLockName, token); err != nil {
				m.logger.Warn("install_schedules: failed to release lock", "error", err)
			}
		}()
	}

	servers, err := m.store.ListContentServers(ctx)
	if err != nil {
		return err
	}

	nameByID := make(map[int64]string, len(servers))
	for _, server := range servers {
		nameByID[server.ID] = server.Name
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, server := range servers {
		m.removeServerSchedulesLocked(server.Name)

		groups, err := m.store.ListServerRepoGroups(ctx, server.ID)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if g.Cron == "" {
				continue
			}
			upstreamName := ""
			if g.UpstreamServerID != nil {
				name, ok := nameByID[*g.UpstreamServerID]
				if !ok {
					return fmt.Errorf("jobmanager: server %s group %d references unknown upstream server id %d", server.Name, g.ID, *g.UpstreamServerID)
				}
				upstreamName = name
			}
			if err := m.installSyncScheduleLocked(server, g, upstreamName); err != nil {
				return err
			}
		}

		if server.RegistrationCron != "" {
			if err := m.installRegistrationScheduleLocked(server); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeServerSchedulesLocked removes every periodic job previously
// indexed for serverName. Callers must hold m.mu.
func (m *Manager) removeServerSchedulesLocked(serverName string) {
	for key, handle := range m.scheduleIndex {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 || parts[1] != serverName {
			continue
		}
		m.client.PeriodicJobs().Remove(handle)
		delete(m.scheduleIndex, key)
	}
}

func (m *Manager) installSyncScheduleLocked(server *domain.ContentServer, g *domain.ServerRepoGroup, upstreamServerName string) error {
	schedule, err := parseCronSchedule(g.Cron)
	if err != nil {
		return fmt.Errorf("jobmanager: invalid cron %q for server %s group %d: %w", g.Cron, server.Name, g.ID, err)
	}

	serverName, groupID := server.Name, g.ID
	handle := m.client.PeriodicJobs().Add(river.NewPeriodicJob(
		schedule,
		func() (river.JobArgs, *river.InsertOpts) {
			return SyncRepoGroupArgs{
				ServerName:         serverName,
				UpstreamServerName: upstreamServerName,
				IncludeRegex:       g.IncludeRegex,
				ExcludeRegex:       g.ExcludeRegex,
				MaxConcurrentSyncs: g.MaxConcurrent,
			}, &river.InsertOpts{MaxAttempts: 1}
		},
		&river.PeriodicJobOpts{RunOnStart: false},
	))
	m.scheduleIndex[scheduleKey("sync_repos", serverName, groupID)] = handle
	return nil
}

func (m *Manager) installRegistrationScheduleLocked(server *domain.ContentServer) error {
	schedule, err := parseCronSchedule(server.RegistrationCron)
	if err != nil {
		return fmt.Errorf("jobmanager: invalid registration cron %q for server %s: %w", server.RegistrationCron, server.Name, err)
	}

	serverName := server.Name
	handle := m.client.PeriodicJobs().Add(river.NewPeriodicJob(
		schedule,
		func() (river.JobArgs, *river.InsertOpts) {
			return RegisterReposArgs{
				ServerName:   serverName,
				IncludeRegex: server.IncludeRegex,
				ExcludeRegex: server.ExcludeRegex,
			}, &river.InsertOpts{MaxAttempts: 1}
		},
		&river.PeriodicJobOpts{RunOnStart: false},
	))
	// group_id 0 distinguishes the server's own registration schedule
	// from its sync groups, which always carry a positive group id.
	m.scheduleIndex[scheduleKey("register_repos", serverName, 0)] = handle
	return nil
}
