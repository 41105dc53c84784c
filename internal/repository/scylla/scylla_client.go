package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"accounts-service/internal/config"
	"accounts-service/internal/util"
)

// Schema documents the tables this package reads and writes. It is applied
// by the deployment, not by the service.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id uuid PRIMARY KEY,
    name text, email text, image text, phone text,
    phone_verified timestamp, created_at timestamp, updated_at timestamp
);
CREATE TABLE IF NOT EXISTS users_by_phone (
    phone text PRIMARY KEY, user_id uuid
);
CREATE TABLE IF NOT EXISTS accounts_by_provider (
    provider text, provider_account_id text,
    account_id uuid, user_id uuid, type text,
    access_token text, refresh_token text, expires_at bigint, scope text,
    created_at timestamp,
    PRIMARY KEY ((provider, provider_account_id))
);
CREATE TABLE IF NOT EXISTS accounts_by_user (
    user_id uuid, provider text, provider_account_id text,
    account_id uuid, type text, created_at timestamp,
    PRIMARY KEY (user_id, provider, provider_account_id)
);
CREATE TABLE IF NOT EXISTS sessions (
    session_token text PRIMARY KEY, user_id uuid, expires timestamp, created_at timestamp
);
CREATE TABLE IF NOT EXISTS verification_tokens (
    identifier text PRIMARY KEY, token text, expires timestamp, created_at timestamp
);`

type ScyllaClient struct {
	Session *gocql.Session
	config  config.ScyllaConfig
}

func NewScyllaClient(cfg config.ScyllaConfig) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.NumConns = cfg.NumConns
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.LocalDC != "" {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(cfg.LocalDC))
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("hosts", cfg.Hosts),
		zap.String("keyspace", cfg.Keyspace))

	return &ScyllaClient{Session: session, config: cfg}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) loggedBatch(ctx context.Context) *gocql.Batch {
	return s.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	if err := s.query(ctx, `SELECT cluster_name FROM system.local`).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
