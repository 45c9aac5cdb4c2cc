package configuration

import (
	"time"

	"github.com/scaleproject/scale/internal/common/config"
	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/scheduler/cleanup"
	"github.com/scaleproject/scale/internal/scheduler/driver/docker"
	"github.com/scaleproject/scale/internal/scheduler/execution"
	"github.com/scaleproject/scale/internal/scheduler/messaging"
	"github.com/scaleproject/scale/internal/scheduler/nodes"
	"github.com/scaleproject/scale/internal/scheduler/reconciliation"
	"github.com/scaleproject/scale/internal/scheduler/resources"
	"github.com/scaleproject/scale/internal/scheduler/tasks"
)

const (
	// BrokerPulsar sends messages through a Pulsar topic.
	BrokerPulsar = "pulsar"
	// BrokerBolt keeps messages in a local bbolt file, for single-node deployments.
	BrokerBolt = "bolt"

	DriverDocker = "docker"
	DriverFake   = "fake"

	LeaderModeStandalone = "standalone"
	LeaderModeKubernetes = "kubernetes"
	LeaderModeEtcd       = "etcd"
)

type Configuration struct {
	Logging logging.Config
	// Database configuration
	Postgres config.PostgresConfig
	// Redis holds the producer deduplication keys when Pulsar is the broker
	Redis config.RedisConfig
	// General Pulsar configuration
	Pulsar    config.PulsarConfig
	Messaging MessagingConfig
	// Configuration controlling leader election
	Leader         LeaderConfig
	Driver         DriverConfig
	Scheduling     SchedulingConfig
	Offers         OffersConfig
	Nodes          nodes.Config
	Tasks          tasks.Config
	Persistence    tasks.PersistenceConfig
	Execution      execution.Config
	Reconciliation reconciliation.Config
	Cleanup        cleanup.Config
	Recipes        RecipesConfig
	Sync           SyncConfig
	SystemTasks    SystemTasksConfig
	Metrics        MetricsConfig
	Http           HttpConfig
}

type MessagingConfig struct {
	// Valid brokers are "pulsar" or "bolt"
	Broker   string `validate:"oneof=pulsar bolt"`
	Pulsar   messaging.PulsarBrokerConfig
	Bolt     messaging.BoltBrokerConfig
	Consumer messaging.ConsumerConfig
	// Safety expiry of producer deduplication keys
	DeduplicationTTL time.Duration
	// Number of message groups buffered between components and the broker
	PublishBufferSize int `validate:"gte=1"`
	// Wait between attempts to publish a message group
	PublishBackoff time.Duration
}

type LeaderConfig struct {
	// Valid modes are "standalone", "kubernetes" or "etcd"
	Mode string `validate:"oneof=standalone kubernetes etcd"`
	// Name of the K8s Lock Object
	LeaseLockName string
	// Namespace of the K8s Lock Object
	LeaseLockNamespace string
	// The name of the pod
	PodName string
	// How long the lease is held for.
	// Non leaders much wait this long before trying to acquire the lease
	LeaseDuration time.Duration
	// RenewDeadline is the duration that the acting leader will retry refreshing leadership before giving up.
	RenewDeadline time.Duration
	// RetryPeriod is the duration the LeaderElector clients should waite between tries of actions.
	RetryPeriod time.Duration
	// Etcd endpoints, used in etcd mode
	EtcdEndpoints []string
	// Key prefix of the etcd election
	EtcdElectionPrefix string
	// TTL of the etcd session in seconds
	EtcdSessionTTL int
}

type DriverConfig struct {
	// Valid drivers are "docker" or "fake"
	Type   string `validate:"oneof=docker fake"`
	Docker docker.Config
}

type SchedulingConfig struct {
	// How often the scheduling cycle runs
	CyclePeriod time.Duration `validate:"required"`
	// The number of queued executions considered per cycle is CandidatesPerAgent times the number of schedulable
	// agents, bounded by MinCandidates and MaxCandidates.
	CandidatesPerAgent int `validate:"gte=1"`
	MinCandidates      int `validate:"gte=1"`
	MaxCandidates      int `validate:"gtefield=MinCandidates"`
	// How often the scheduler status snapshot is written
	StatusPeriod time.Duration `validate:"required"`
}

type OffersConfig struct {
	// Offers held for longer than this are declined
	MaxAge time.Duration `validate:"required"`
}

type RecipesConfig struct {
	// Number of parsed recipe definitions cached
	GraphCacheSize int `validate:"gte=1"`
}

type SyncConfig struct {
	Period time.Duration `validate:"required"`
	// Number of job type revisions cached
	JobTypeCacheSize int `validate:"gte=1"`
}

type SystemTasksConfig struct {
	Image   string
	Command string
	// How often a db-housekeeping task is run. Zero disables housekeeping tasks.
	HousekeepingInterval time.Duration
	Resources            resources.NodeResources
	// Task updates older than this are pruned
	TaskUpdateRetention time.Duration
	PruneBatchSize      int
}

type MetricsConfig struct {
	Port uint16
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}
