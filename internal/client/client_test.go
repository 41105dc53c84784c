package client

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts-service/internal/config"
)

func TestExtractHostPort(t *testing.T) {
	cases := map[string]string{
		"http://localhost:9000":      "localhost:9000",
		"http://clickhouse":          "clickhouse:9000",
		"https://ch.example.com/":    "ch.example.com:9440",
		"https://ch.example.com:443": "ch.example.com:443",
		"tcp-host:9001":              "tcp-host:9001",
	}
	for in, want := range cases {
		assert.Equal(t, want, extractHostPort(in), in)
	}
	assert.Equal(t, "ch.example.com", extractHostname("https://ch.example.com"))
}

func TestRedisClientConnects(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc, err := NewRedisClient(config.RedisConfig{URL: "redis://" + mr.Addr() + "/0", PoolSize: 2})
	require.NoError(t, err)
	require.NoError(t, rc.HealthCheck(context.Background()))
	require.NoError(t, rc.Close())
}

func TestRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient(config.RedisConfig{URL: "not a url"})
	assert.Error(t, err)
}
