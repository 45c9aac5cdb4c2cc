package config

import (
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis"
)

type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Connection      map[string]string `validate:"required"`
}

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath     string
	CompressionType  pulsar.CompressionType
	CompressionLevel pulsar.CompressionLevel
	// Maximum allowed Events per message
	MaxAllowedEventsPerMessage int
	// Maximum allowed message size in bytes
	MaxAllowedMessageSize uint
	// Timeout when sending messages asynchronously
	SendTimeout time.Duration
	// Time after which a nacked message is redelivered
	NackRedeliveryDelay time.Duration
}

type RedisConfig struct {
	// Either a single address or a seed list of host:port addresses
	Addrs           []string `validate:"required"`
	DB              int      `validate:"gte=0,lte=16"`
	Password        string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	MaxConnAge      time.Duration
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
	MasterName      string
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           rc.Addrs,
		DB:              rc.DB,
		Password:        rc.Password,
		MaxRetries:      rc.MaxRetries,
		MinRetryBackoff: rc.MinRetryBackoff,
		MaxRetryBackoff: rc.MaxRetryBackoff,
		DialTimeout:     rc.DialTimeout,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		PoolSize:        rc.PoolSize,
		MinIdleConns:    rc.MinIdleConns,
		MaxConnAge:      rc.MaxConnAge,
		PoolTimeout:     rc.PoolTimeout,
		IdleTimeout:     rc.IdleTimeout,
		MasterName:      rc.MasterName,
	}
}
