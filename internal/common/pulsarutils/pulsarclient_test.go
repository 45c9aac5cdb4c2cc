package pulsarutils

import (
	"testing"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"
)

func TestParsePulsarCompressionType(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected pulsar.CompressionType
		err      bool
	}{
		"empty":   {input: "", expected: pulsar.NoCompression},
		"zlib":    {input: "ZLIB", expected: pulsar.ZLib},
		"zstd":    {input: "zstd", expected: pulsar.ZSTD},
		"lz4":     {input: "lz4", expected: pulsar.LZ4},
		"unknown": {input: "snappy", err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			actual, err := ParsePulsarCompressionType(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestGetTokenPath(t *testing.T) {
	_, err := getTokenPath(ClientConfig{AuthenticationType: "kerberos"})
	assert.Error(t, err)
	_, err = getTokenPath(ClientConfig{AuthenticationType: "JWT"})
	assert.Error(t, err)
	path, err := getTokenPath(ClientConfig{AuthenticationType: "jwt", JwtTokenPath: "/var/run/token"})
	assert.NoError(t, err)
	assert.Equal(t, "/var/run/token", path)
}
