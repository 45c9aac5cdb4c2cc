package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/app"
	dbcommon "github.com/scaleproject/scale/internal/common/database"
	"github.com/scaleproject/scale/internal/common/health"
	"github.com/scaleproject/scale/internal/common/pulsarutils"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/common/serve"
	"github.com/scaleproject/scale/internal/scheduler/configuration"
	"github.com/scaleproject/scale/internal/scheduler/database"
	"github.com/scaleproject/scale/internal/scheduler/driver"
	"github.com/scaleproject/scale/internal/scheduler/driver/docker"
	"github.com/scaleproject/scale/internal/scheduler/driver/fake"
	"github.com/scaleproject/scale/internal/scheduler/leader"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
)

const shutdownTimeout = 30 * time.Second

// Run sets up a Scheduler application and runs it until a SIGTERM is received or leadership is lost
func Run(config configuration.Configuration) error {
	ctx, cancel := app.CreateContextWithShutdown()
	defer cancel()
	realClock := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := serve.ServeHttp(config.Http.Port, mux)
	defer shutdownHttpServer()

	//////////////////////////////////////////////////////////////////////////
	// Database setup
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up database connections")
	db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "Error opening connection to postgres")
	}
	defer db.Close()

	//////////////////////////////////////////////////////////////////////////
	// Messaging
	//////////////////////////////////////////////////////////////////////////
	broker, dedup, closeBroker, err := CreateBroker(config, realClock)
	if err != nil {
		return err
	}
	defer closeBroker()

	//////////////////////////////////////////////////////////////////////////
	// Leader Election
	//////////////////////////////////////////////////////////////////////////
	leaderController, err := leader.NewLeaderController(config.Leader, createLeasesClient)
	if err != nil {
		return errors.WithMessage(err, "error creating leader controller")
	}

	//////////////////////////////////////////////////////////////////////////
	// Driver
	//////////////////////////////////////////////////////////////////////////
	drv, err := createDriver(config.Driver, realClock)
	if err != nil {
		return errors.WithMessage(err, "error creating driver")
	}

	//////////////////////////////////////////////////////////////////////////
	// Scheduling
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up scheduler")
	scheduler, err := NewApp(config, Dependencies{
		Jobs:        database.NewPostgresJobRepository(db),
		Recipes:     database.NewPostgresRecipeRepository(db),
		Definitions: database.NewPostgresDefinitionRepository(db),
		Nodes:       database.NewPostgresNodeRepository(db),
		TaskUpdates: database.NewPostgresTaskUpdateRepository(db),
		Settings:    database.NewPostgresSchedulerRepository(db),
		Broker:      broker,
		Dedup:       dedup,
		Driver:      drv,
		Leader:      leaderController,
		Clock:       realClock,
	})
	if err != nil {
		return errors.WithMessage(err, "error creating scheduler")
	}
	scheduler.OnLeaseLost(func() {
		log.Warn("Leadership lost; shutting down")
		cancel()
	})
	healthChecks.Add(health.FuncChecker(func() error {
		if !scheduler.Synced() {
			return errors.New("definitions have not been loaded from the database")
		}
		return nil
	}))

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	shutdownMetricServer := serve.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()
	log.Infof("Scheduler %s started with %s", scheduler.ID(), describe(config))

	err = scheduler.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	scheduler.Shutdown(scalecontext.New(shutdownCtx, ctx.Log))
	return err
}

// CreateBroker connects to the configured message broker. The returned function closes it.
func CreateBroker(config configuration.Configuration, clock clock.Clock) (messaging.Broker, messaging.Deduplicator, func(), error) {
	switch config.Messaging.Broker {
	case configuration.BrokerPulsar:
		log.Infof("Setting up Pulsar connectivity")
		pulsarClient, err := pulsarutils.NewPulsarClient(pulsarutils.ClientConfig{
			URL:                        config.Pulsar.URL,
			TLSTrustCertsFilePath:      config.Pulsar.TLSTrustCertsFilePath,
			TLSAllowInsecureConnection: config.Pulsar.TLSAllowInsecureConnection,
			TLSValidateHostname:        config.Pulsar.TLSValidateHostname,
			MaxConnectionsPerBroker:    config.Pulsar.MaxConnectionsPerBroker,
			AuthenticationEnabled:      config.Pulsar.AuthenticationEnabled,
			AuthenticationType:         config.Pulsar.AuthenticationType,
			JwtTokenPath:               config.Pulsar.JwtTokenPath,
		})
		if err != nil {
			return nil, nil, nil, errors.WithMessage(err, "Error creating pulsar client")
		}
		brokerConfig := config.Messaging.Pulsar
		brokerConfig.CompressionType = config.Pulsar.CompressionType
		brokerConfig.CompressionLevel = config.Pulsar.CompressionLevel
		if brokerConfig.SendTimeout == 0 {
			brokerConfig.SendTimeout = config.Pulsar.SendTimeout
		}
		if brokerConfig.NackRedeliveryDelay == 0 {
			brokerConfig.NackRedeliveryDelay = config.Pulsar.NackRedeliveryDelay
		}
		broker, err := messaging.NewPulsarBroker(pulsarClient, brokerConfig)
		if err != nil {
			pulsarClient.Close()
			return nil, nil, nil, errors.WithMessage(err, "error creating pulsar broker")
		}
		redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		closeAll := func() {
			if err := broker.Close(); err != nil {
				log.WithError(err).Warn("Pulsar broker didn't close down cleanly")
			}
			pulsarClient.Close()
			if err := redisClient.Close(); err != nil {
				log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
			}
		}
		return broker, messaging.NewRedisDeduplicator(redisClient, config.Messaging.DeduplicationTTL), closeAll, nil
	case configuration.BrokerBolt:
		log.Infof("Using message store %s", config.Messaging.Bolt.Path)
		broker, err := messaging.NewBoltBroker(config.Messaging.Bolt, clock)
		if err != nil {
			return nil, nil, nil, err
		}
		closeBroker := func() {
			if err := broker.Close(); err != nil {
				log.WithError(err).Warn("Message store didn't close down cleanly")
			}
		}
		return broker, messaging.NewMemoryDeduplicator(config.Messaging.DeduplicationTTL), closeBroker, nil
	default:
		return nil, nil, nil, errors.Errorf("%s is not a valid broker", config.Messaging.Broker)
	}
}

func createDriver(config configuration.DriverConfig, clock clock.Clock) (driver.Driver, error) {
	switch config.Type {
	case configuration.DriverDocker:
		log.Infof("Scheduler will run tasks on the local docker engine")
		return docker.NewDriver(config.Docker, clock)
	case configuration.DriverFake:
		log.Warn("Scheduler will run with the fake driver; no task will ever run")
		return fake.New(), nil
	default:
		return nil, errors.Errorf("%s is not a valid driver", config.Type)
	}
}

func createLeasesClient() (coordinationv1client.LeasesGetter, error) {
	clusterConfig, err := loadClusterConfig()
	if err != nil {
		return nil, errors.Wrapf(err, "Error creating kubernetes client")
	}
	clientSet, err := kubernetes.NewForConfig(clusterConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "Error creating kubernetes client")
	}
	return clientSet.CoordinationV1(), nil
}

func loadClusterConfig() (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}

// describe names the broker, driver and leader mode in use.
func describe(config configuration.Configuration) string {
	return fmt.Sprintf("broker=%s driver=%s leader=%s", config.Messaging.Broker, config.Driver.Type, config.Leader.Mode)
}
