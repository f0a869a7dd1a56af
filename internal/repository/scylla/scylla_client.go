package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authsession-service/internal/config"
	"authsession-service/internal/util"
)

// Schema applied by Migrate. Identities are partitioned by a murmur3 bucket
// of the identity id; emails map to identities through a lightweight
// transaction table so registration is unique cluster-wide.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		identity_bucket int,
		identity_id text,
		email text,
		password_hash text,
		status text,
		locked_reason text,
		mfa_enabled boolean,
		mfa_secret text,
		pending_mfa_secret text,
		backup_code_hashes list<text>,
		credential_version bigint,
		last_login_at timestamp,
		created_at timestamp,
		updated_at timestamp,
		PRIMARY KEY ((identity_bucket), identity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS email_to_identity (
		email text PRIMARY KEY,
		identity_id text,
		created_at timestamp
	)`,
}

const identityColumns = `identity_bucket, identity_id, email, password_hash, status, locked_reason,
	mfa_enabled, mfa_secret, pending_mfa_secret, backup_code_hashes, credential_version,
	last_login_at, created_at, updated_at`

// PreparedStatements holds the statement text used by the repository.
type PreparedStatements struct {
	ClaimEmail        string
	ReleaseEmail      string
	GetIdentityByMail string
	CreateIdentity    string
	GetIdentityByID   string
	SwapBackupCodes   string
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session, config: scyllaConfig}
	client.prepareStatements()

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return
	}

	s.Prepared = &PreparedStatements{
		ClaimEmail: `INSERT INTO email_to_identity (email, identity_id, created_at)
			VALUES (?, ?, ?) IF NOT EXISTS`,
		ReleaseEmail:      `DELETE FROM email_to_identity WHERE email = ? IF identity_id = ?`,
		GetIdentityByMail: `SELECT identity_id FROM email_to_identity WHERE email = ?`,
		CreateIdentity: `INSERT INTO identities (` + identityColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		GetIdentityByID: `SELECT ` + identityColumns + `
			FROM identities WHERE identity_bucket = ? AND identity_id = ?`,
		SwapBackupCodes: `UPDATE identities SET backup_code_hashes = ?, updated_at = ?
			WHERE identity_bucket = ? AND identity_id = ? IF backup_code_hashes = ?`,
	}
	s.isPrepared = true
}

// Migrate creates the tables the identity repository needs.
func (s *ScyllaClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("scylla migration failed: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("statements", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures. Writes are never retried
// here; lightweight transactions must observe their own result.
func (s *ScyllaClient) ScanWithRetry(ctx context.Context, query *gocql.Query, dest ...any) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.WithContext(ctx).Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return lastErr
}
