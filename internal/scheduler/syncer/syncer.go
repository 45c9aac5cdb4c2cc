package syncer

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
	"github.com/scaleproject/scale/internal/scheduler/database"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// HostPauser receives the hostnames operators have paused.
type HostPauser interface {
	SetPausedHosts(hosts map[string]bool)
}

// Syncer periodically reloads job types, workspaces, operator settings and node pauses from the database. It never
// touches in-memory execution state.
type Syncer struct {
	definitions  database.DefinitionRepository
	nodeRepo     database.NodeRepository
	settingsRepo database.SchedulerRepository
	pauser       HostPauser
	period       time.Duration

	mu sync.RWMutex
	// job type revisions by revision key
	revisions *lru.Cache
	// latest revision of each job type by job type key
	latest map[string]*models.JobType
	// last modification time of the newest job type seen
	lastModified time.Time
	workspaces   map[string]*models.Workspace
	settings     models.SchedulerSettings
	synced       bool
}

func NewSyncer(
	config configuration.SyncConfig,
	definitions database.DefinitionRepository,
	nodeRepo database.NodeRepository,
	settingsRepo database.SchedulerRepository,
	pauser HostPauser,
) *Syncer {
	size := config.JobTypeCacheSize
	if size <= 0 {
		size = 1000
	}
	revisions, err := lru.New(size)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return &Syncer{
		definitions:  definitions,
		nodeRepo:     nodeRepo,
		settingsRepo: settingsRepo,
		pauser:       pauser,
		period:       config.Period,
		revisions:    revisions,
		latest:       map[string]*models.JobType{},
		workspaces:   map[string]*models.Workspace{},
	}
}

func (s *Syncer) Run(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithLogField(ctx, "service", "Syncer")
	s.syncAndLog(ctx)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.syncAndLog(ctx)
		}
	}
}

func (s *Syncer) syncAndLog(ctx *scalecontext.Context) {
	if err := s.Sync(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Error syncing definitions")
	}
}

// Sync performs a single reload. Each part is loaded independently, so a failure in one leaves the others fresh.
func (s *Syncer) Sync(ctx *scalecontext.Context) error {
	var result *multierror.Error
	for _, load := range []func(*scalecontext.Context) error{
		s.syncJobTypes,
		s.syncWorkspaces,
		s.syncSettings,
		s.syncNodes,
	} {
		if err := load(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	s.mu.Lock()
	s.synced = true
	s.mu.Unlock()
	return nil
}

func (s *Syncer) syncJobTypes(ctx *scalecontext.Context) error {
	s.mu.RLock()
	since := s.lastModified
	s.mu.RUnlock()
	jobTypes, err := s.definitions.GetJobTypes(ctx, since)
	if err != nil {
		return errors.WithMessage(err, "error loading job types")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, jt := range jobTypes {
		s.revisions.Add(jt.RevisionKey(), jt)
		if current, ok := s.latest[jt.Key()]; !ok || jt.RevisionNum >= current.RevisionNum {
			s.latest[jt.Key()] = jt
		}
		if jt.LastModified.After(s.lastModified) {
			s.lastModified = jt.LastModified
		}
	}
	if len(jobTypes) > 0 {
		ctx.Log.Debugf("Loaded %d job type revisions", len(jobTypes))
	}
	return nil
}

func (s *Syncer) syncWorkspaces(ctx *scalecontext.Context) error {
	workspaces, err := s.definitions.GetWorkspaces(ctx)
	if err != nil {
		return errors.WithMessage(err, "error loading workspaces")
	}
	byName := make(map[string]*models.Workspace, len(workspaces))
	for _, ws := range workspaces {
		byName[ws.Name] = ws
	}
	s.mu.Lock()
	s.workspaces = byName
	s.mu.Unlock()
	return nil
}

func (s *Syncer) syncSettings(ctx *scalecontext.Context) error {
	settings, err := s.settingsRepo.GetSettings(ctx)
	if err != nil {
		return errors.WithMessage(err, "error loading scheduler settings")
	}
	s.mu.Lock()
	s.settings = *settings
	s.mu.Unlock()
	return nil
}

func (s *Syncer) syncNodes(ctx *scalecontext.Context) error {
	nodes, err := s.nodeRepo.GetNodes(ctx)
	if err != nil {
		return errors.WithMessage(err, "error loading nodes")
	}
	paused := map[string]bool{}
	for _, node := range nodes {
		if node.IsPaused {
			paused[node.Hostname] = true
		}
	}
	s.pauser.SetPausedHosts(paused)
	return nil
}

// GetJobType returns a job type revision, or the latest revision if revision is zero. Revisions not in the cache are
// loaded from the database.
func (s *Syncer) GetJobType(ctx *scalecontext.Context, name, version string, revision int64) (*models.JobType, error) {
	s.mu.RLock()
	var cached *models.JobType
	if revision == 0 {
		cached = s.latest[models.JobTypeKey(name, version)]
	} else if v, ok := s.revisions.Get(models.JobTypeRevisionKey(name, version, revision)); ok {
		cached = v.(*models.JobType)
	}
	s.mu.RUnlock()
	if cached != nil {
		jt := *cached
		return &jt, nil
	}

	jt, err := s.definitions.GetJobType(ctx, name, version, revision)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.revisions.Add(jt.RevisionKey(), jt)
	s.mu.Unlock()
	rv := *jt
	return &rv, nil
}

// Settings returns the operator settings as of the last sync.
func (s *Syncer) Settings() *models.SchedulerSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings := s.settings
	return &settings
}

// Workspaces returns the workspaces as of the last sync, by name.
func (s *Syncer) Workspaces() map[string]*models.Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.workspaces)
}

// Synced reports whether a sync has completed without error. Used for the startup check.
func (s *Syncer) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}
