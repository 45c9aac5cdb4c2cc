package pulsarutils

import (
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ClientConfig is the subset of the pulsar configuration needed to build a client.
type ClientConfig struct {
	URL                        string
	TLSTrustCertsFilePath      string
	TLSAllowInsecureConnection bool
	TLSValidateHostname        bool
	MaxConnectionsPerBroker    int
	AuthenticationEnabled      bool
	AuthenticationType         string
	JwtTokenPath               string
}

func NewPulsarClient(config ClientConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication
	if config.AuthenticationEnabled {
		jwtPath, err := getTokenPath(config)
		if err != nil {
			return nil, err
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(jwtPath)
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		Authentication:             authentication,
		Logger:                     pulsarlog.NewLoggerWithLogrus(logrus.StandardLogger()),
	})
	return client, errors.WithStack(err)
}

func getTokenPath(config ClientConfig) (string, error) {
	if strings.ToLower(config.AuthenticationType) != "jwt" {
		return "", errors.Errorf("pulsar.AuthenticationType %q is not supported; only JWT authentication is", config.AuthenticationType)
	}
	if strings.TrimSpace(config.JwtTokenPath) == "" {
		return "", errors.New("JWT authentication was configured for pulsar but no JwtTokenPath was supplied")
	}
	return config.JwtTokenPath, nil
}

func ParsePulsarCompressionType(compressionType string) (pulsar.CompressionType, error) {
	switch strings.ToLower(compressionType) {
	case "", "none":
		return pulsar.NoCompression, nil
	case "zlib":
		return pulsar.ZLib, nil
	case "zstd":
		return pulsar.ZSTD, nil
	case "lz4":
		return pulsar.LZ4, nil
	default:
		return pulsar.NoCompression, errors.Errorf("unknown pulsar compression type %q", compressionType)
	}
}

func ParsePulsarCompressionLevel(compressionLevel string) (pulsar.CompressionLevel, error) {
	switch strings.ToLower(compressionLevel) {
	case "", "default":
		return pulsar.Default, nil
	case "faster":
		return pulsar.Faster, nil
	case "better":
		return pulsar.Better, nil
	default:
		return pulsar.Default, errors.Errorf("unknown pulsar compression level %q", compressionLevel)
	}
}
