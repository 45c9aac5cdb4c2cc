package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/common/util"
	"github.com/scaleproject/scale/internal/scheduler/cleanup"
	"github.com/scaleproject/scale/internal/scheduler/commands"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
	"github.com/scaleproject/scale/internal/scheduler/database"
	"github.com/scaleproject/scale/internal/scheduler/driver"
	"github.com/scaleproject/scale/internal/scheduler/execution"
	"github.com/scaleproject/scale/internal/scheduler/leader"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/nodes"
	"github.com/scaleproject/scale/internal/scheduler/offers"
	"github.com/scaleproject/scale/internal/scheduler/queue"
	"github.com/scaleproject/scale/internal/scheduler/reconciliation"
	"github.com/scaleproject/scale/internal/scheduler/recipe"
	"github.com/scaleproject/scale/internal/scheduler/scheduling"
	"github.com/scaleproject/scale/internal/scheduler/syncer"
	"github.com/scaleproject/scale/internal/scheduler/systemtask"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

// Dependencies are the external systems a scheduler talks to.
type Dependencies struct {
	Jobs        database.JobRepository
	Recipes     database.RecipeRepository
	Definitions database.DefinitionRepository
	Nodes       database.NodeRepository
	TaskUpdates database.TaskUpdateRepository
	Settings    database.SchedulerRepository
	Broker      messaging.Broker
	Dedup       messaging.Deduplicator
	Driver      driver.Driver
	Leader      leader.LeaderController
	Clock       clock.Clock
}

// App is a fully wired scheduler. In-memory state is owned by the components below; the database holds jobs, recipes
// and definitions.
type App struct {
	id        string
	startedAt time.Time
	config    configuration.Configuration
	deps      Dependencies

	ledger         *offers.Ledger
	nodes          *nodes.Manager
	tasks          *tasks.Manager
	persistence    *tasks.PersistenceWorker
	reconciliation *reconciliation.Manager
	executions     *execution.Manager
	cleanup        *cleanup.Manager
	queue          *queue.Queue
	engine         *recipe.Engine
	producer       *messaging.Producer
	publisher      *messaging.AsyncPublisher
	consumer       *messaging.Consumer
	handlers       *commands.Handlers
	syncer         *syncer.Syncer
	system         *systemtask.Manager
	scheduler      *scheduling.Scheduler
	events         *driverEvents

	// called when leadership is lost
	onLeaseLost func()
}

func NewApp(config configuration.Configuration, deps Dependencies) (*App, error) {
	a := &App{
		id:          util.NewULID(),
		startedAt:   deps.Clock.Now(),
		config:      config,
		deps:        deps,
		onLeaseLost: func() {},
	}

	a.ledger = offers.NewLedger(deps.Clock)
	a.reconciliation = reconciliation.NewManager(deps.Driver, config.Reconciliation, deps.Clock)
	a.persistence = tasks.NewPersistenceWorker(deps.TaskUpdates, config.Persistence)
	a.tasks = tasks.NewManager(config.Tasks, deps.Driver, a.reconciliation, a.persistence, deps.Clock)

	a.producer = messaging.NewProducer(deps.Broker, deps.Dedup)
	bufferSize := config.Messaging.PublishBufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	a.publisher = messaging.NewAsyncPublisher(a.producer, bufferSize, config.Messaging.PublishBackoff)

	a.nodes = nodes.NewManager(config.Nodes, a.tasks, a.publisher, deps.Clock)
	a.cleanup = cleanup.NewManager(config.Cleanup, a.nodes, a.tasks)
	a.executions = execution.NewManager(config.Execution, a.tasks, a.cleanup, a.publisher, deps.Clock)

	q, err := queue.New(deps.Clock)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating queue")
	}
	a.queue = q

	graphCacheSize := config.Recipes.GraphCacheSize
	if graphCacheSize <= 0 {
		graphCacheSize = 100
	}
	a.engine, err = recipe.NewEngine(deps.Recipes, graphCacheSize, deps.Clock)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating recipe engine")
	}

	a.syncer = syncer.NewSyncer(config.Sync, deps.Definitions, deps.Nodes, deps.Settings, a.nodes)
	a.handlers = commands.NewHandlers(
		deps.Jobs,
		deps.Recipes,
		deps.Nodes,
		a.syncer,
		a.engine,
		a.queue,
		a.executions,
		a.publisher,
		a.id,
		deps.Clock,
	)
	a.consumer = messaging.NewConsumer(deps.Broker, deps.Dedup, a.producer, a.handlers, config.Messaging.Consumer, deps.Clock)
	a.handlers.Register(a.consumer)

	a.system = systemtask.NewManager(config.SystemTasks, a.nodes, a.syncer, deps.Settings, deps.TaskUpdates, a.tasks, deps.Clock)

	a.tasks.RegisterOwner(tasks.JobTaskPrefix, a.executions)
	a.tasks.RegisterOwner(tasks.CleanupTaskPrefix, a.cleanup)
	a.tasks.RegisterOwner(tasks.SystemTaskPrefix, a.system)

	a.scheduler = scheduling.NewScheduler(
		deps.Driver,
		a.ledger,
		a.nodes,
		a.queue,
		a.executions,
		a.cleanup,
		a.system,
		a.tasks,
		deps.Jobs,
		a.syncer,
		a.syncer,
		deps.Leader,
		config.Scheduling,
		config.Offers,
		deps.Clock,
	)
	a.events = &driverEvents{app: a}
	deps.Leader.RegisterListener(&leaseListener{app: a})
	return a, nil
}

// ID identifies this scheduler process in RestartScheduler messages.
func (a *App) ID() string {
	return a.id
}

// OnLeaseLost sets the function called when this process stops being leader.
func (a *App) OnLeaseLost(f func()) {
	a.onLeaseLost = f
}

// Synced reports whether definitions and settings have been loaded from the database.
func (a *App) Synced() bool {
	return a.syncer.Synced()
}

// Run starts every service and blocks until ctx is cancelled or a service fails. The driver, the message consumer
// and the system task generator only run while this process is leader; they are started by the lease listener.
func (a *App) Run(ctx *scalecontext.Context) error {
	g, ctx := scalecontext.ErrGroup(ctx)
	services := []func(*scalecontext.Context) error{
		a.deps.Leader.Run,
		a.syncer.Run,
		a.tasks.Run,
		a.persistence.Run,
		a.publisher.Run,
		a.scheduler.Run,
		a.RunStatus,
		func(ctx *scalecontext.Context) error {
			return a.reconciliation.Run(scalecontext.WithLogField(ctx, "service", "Reconciliation"), a.tasks)
		},
	}
	for _, service := range services {
		service := service
		g.Go(func() error { return service(ctx) })
	}
	return g.Wait()
}

// Shutdown applies updates received but not yet applied, writes pending task updates and publishes pending messages.
// ctx must outlive the services stopped by Run.
func (a *App) Shutdown(ctx *scalecontext.Context) {
	if n := a.tasks.Drain(ctx); n > 0 {
		ctx.Log.Infof("Applied %d task updates during shutdown", n)
	}
	a.persistence.Flush(ctx)
	a.publisher.Flush(ctx)
}

// lead runs the leader-only services until ctx is cancelled. The in-memory queue is first rebuilt from the database
// and a RestartScheduler message fails executions started by earlier schedulers. The driver registers with the
// resource manager only once the queue is restored.
func (a *App) lead(ctx *scalecontext.Context) error {
	ctx = scalecontext.WithLogField(ctx, "service", "Leader")
	util.RetryUntilSuccess(
		ctx,
		5*time.Second,
		func() error { return a.handlers.RestoreQueue(ctx) },
		func(err error) { ctx.Log.WithError(err).Warn("Error restoring queue; retrying") },
	)
	if ctx.Err() != nil {
		return nil
	}
	a.publisher.Send(messaging.MustNew(messaging.RestartScheduler, &messaging.RestartSchedulerPayload{
		SchedulerID: a.id,
		StartedAt:   a.startedAt,
	}))

	g := errgroup.Group{}
	g.Go(func() error {
		defer a.scheduler.SetConnected(false)
		return a.deps.Driver.Run(scalecontext.WithLogField(ctx, "service", "Driver"), a.events)
	})
	g.Go(func() error { return a.consumer.Run(scalecontext.WithLogField(ctx, "service", "Consumer")) })
	g.Go(func() error { return a.system.Run(ctx) })
	return g.Wait()
}

// leaseListener starts the leader-only services when this process becomes leader.
type leaseListener struct {
	app *App
}

func (l *leaseListener) OnStartedLeading(ctx *scalecontext.Context) {
	ctx.Log.Infof("Scheduler %s is now leader", l.app.id)
	go func() {
		if err := l.app.lead(ctx); err != nil {
			ctx.Log.WithError(err).Error("Leader services failed")
		}
	}()
}

// OnStoppedLeading shuts the process down. The in-memory state of a former leader is stale, so it does not stay
// around as a follower.
func (l *leaseListener) OnStoppedLeading() {
	l.app.onLeaseLost()
}
