package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"authsession-service/internal/util"
)

// Outcome of one authentication attempt, as stored in the audit table.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeMFARequired        Outcome = "mfa_required"
	OutcomeInvalidCredentials Outcome = "invalid_credentials"
	OutcomeInvalidMFACode     Outcome = "invalid_mfa_code"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomeLocked             Outcome = "account_locked"
	OutcomeTokenInvalid       Outcome = "token_invalid"
	OutcomeReuseDetected      Outcome = "token_reuse_detected"
	OutcomeError              Outcome = "error"
)

// Attempt is one row of the auth_attempts table. Identifier is stored masked.
type Attempt struct {
	OccurredAt time.Time
	Action     string
	IdentityID string
	Identifier string
	IP         string
	UserAgent  string
	Outcome    Outcome
}

type Recorder interface {
	Record(a Attempt)
}

type NopRecorder struct{}

func (NopRecorder) Record(Attempt) {}

// BatchWriter is the part of client.ClickHouseClient the recorder needs.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...any) error
	BatchInsert(ctx context.Context, query string, rows [][]any) error
}

// ClickHouseRecorder buffers attempts in memory and flushes them in batches,
// either when BatchSize rows are pending or every FlushInterval.
type ClickHouseRecorder struct {
	writer        BatchWriter
	table         string
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending [][]any

	stop chan struct{}
	done chan struct{}
}

func NewClickHouseRecorder(writer BatchWriter, table string, batchSize int, flushInterval time.Duration) *ClickHouseRecorder {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &ClickHouseRecorder{
		writer:        writer,
		table:         table,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// EnsureTable creates the audit table if missing.
func (r *ClickHouseRecorder) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(3, 'UTC'),
		action LowCardinality(String),
		identity_id String,
		identifier String,
		ip String,
		user_agent String,
		outcome LowCardinality(String)
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (action, occurred_at)
	TTL toDateTime(occurred_at) + INTERVAL 180 DAY`, r.table)
	if err := r.writer.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (r *ClickHouseRecorder) Start() {
	go r.loop()
}

func (r *ClickHouseRecorder) Record(a Attempt) {
	row := []any{
		a.OccurredAt.UTC(),
		a.Action,
		a.IdentityID,
		util.MaskIdentifier(a.Identifier),
		a.IP,
		a.UserAgent,
		string(a.Outcome),
	}

	r.mu.Lock()
	r.pending = append(r.pending, row)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		go r.flush(context.Background())
	}
}

func (r *ClickHouseRecorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush(context.Background())
		case <-r.stop:
			return
		}
	}
}

func (r *ClickHouseRecorder) flush(ctx context.Context) {
	r.mu.Lock()
	rows := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	query := fmt.Sprintf("INSERT INTO %s (occurred_at, action, identity_id, identifier, ip, user_agent, outcome)", r.table)
	if err := r.writer.BatchInsert(ctx, query, rows); err != nil {
		util.Error("Failed to flush auth audit batch", zap.Int("rows", len(rows)), zap.Error(err))
		return
	}
	util.Debug("Auth audit batch flushed", zap.Int("rows", len(rows)))
}

// Close stops the ticker and flushes what is left.
func (r *ClickHouseRecorder) Close(ctx context.Context) {
	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	r.flush(ctx)
}
