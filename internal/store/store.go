package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

// Store archives terminal session transcripts in Postgres. Live sessions
// never touch it; the supervisor archives exactly once on release.
type Store struct {
	DB *sql.DB
}

// SessionRecord is one archived session row.
type SessionRecord struct {
	ID            string
	Email         string
	Status        string
	CurrentTarget string
	Turns         int
	Artifacts     int
	Error         string
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

// TurnRecord holds one archived turn with its action and result as JSON.
type TurnRecord struct {
	SessionID string
	Index     int
	Action    json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
}

// ArtifactRecord references one file the session produced.
type ArtifactRecord struct {
	SessionID    string
	TurnIndex    int
	Name         string
	OriginalName string
	SourceTool   string
	LocalPath    string
	SizeBytes    int64
	CreatedAt    time.Time
}

var (
	storeMetricsOnce sync.Once
	archivedCounter  otelmetric.Int64Counter
	turnsCounter     otelmetric.Int64Counter
	storeMetricsErr  error
)

func initStoreMetrics() {
	meter := otel.Meter("quizzer/store")
	var err error
	archivedCounter, err = meter.Int64Counter("quizzer_sessions_archived_total",
		otelmetric.WithDescription("Terminal sessions archived to Postgres"))
	if err != nil {
		storeMetricsErr = err
		return
	}
	turnsCounter, err = meter.Int64Counter("quizzer_archived_turns_total",
		otelmetric.WithDescription("Turns persisted across archived sessions"))
	if err != nil {
		storeMetricsErr = err
	}
}

// New connects to Postgres using the configured settings.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// ArchiveSession persists a finished session with its full turn history and
// artifact metadata. Archiving is idempotent: a session id already present
// leaves the stored transcript untouched.
func (s *Store) ArchiveSession(ctx context.Context, sess *core.Session) error {
	if sess == nil {
		return fmt.Errorf("session required")
	}
	sum := sess.Summary()
	if !sum.Status.Terminal() {
		return fmt.Errorf("session %s not terminal: %s", sum.ID, sum.Status)
	}

	turns := sess.TurnHistory()
	actions := make([][]byte, len(turns))
	results := make([][]byte, len(turns))
	for i, t := range turns {
		a, err := json.Marshal(t.Action)
		if err != nil {
			return fmt.Errorf("marshal action %d: %w", t.Index, err)
		}
		r, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal result %d: %w", t.Index, err)
		}
		actions[i] = a
		results[i] = r
	}
	artifacts := sess.Artifacts()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var finished interface{}
	if !sum.FinishedAt.IsZero() {
		finished = sum.FinishedAt.UTC()
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, email, status, current_target, turns, artifacts, error, created_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING
`, sum.ID, sum.Email, string(sum.Status), nullableString(sum.CurrentTarget), sum.Turns, sum.Artifacts, nullableString(sum.Error), sum.CreatedAt.UTC(), finished)
	if err != nil {
		return err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		// Already archived.
		return tx.Commit()
	}

	for i, t := range turns {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO session_turns (session_id, turn_index, action, result, created_at)
VALUES ($1,$2,$3,$4,$5)
`, sum.ID, t.Index, actions[i], results[i], t.Timestamp.UTC()); err != nil {
			return err
		}
	}

	for _, a := range artifacts {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO session_artifacts (session_id, turn_index, name, original_name, source_tool, local_path, size_bytes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, sum.ID, a.TurnIndex, a.Name, nullableString(a.OriginalName), a.SourceTool, a.LocalPath, a.Size, a.CreatedAt.UTC()); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	storeMetricsOnce.Do(initStoreMetrics)
	if storeMetricsErr == nil {
		attrs := otelmetric.WithAttributes(attribute.String("status", string(sum.Status)))
		if archivedCounter != nil {
			archivedCounter.Add(contextOrBackground(ctx), 1, attrs)
		}
		if turnsCounter != nil && len(turns) > 0 {
			turnsCounter.Add(contextOrBackground(ctx), int64(len(turns)))
		}
	} else {
		log.Printf("[STORE] metrics init: %v", storeMetricsErr)
	}
	return nil
}

// GetSession fetches one archived session. Bool reports whether it exists.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	if id == "" {
		return SessionRecord{}, false, fmt.Errorf("session id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, email, status, COALESCE(current_target,''), turns, artifacts, COALESCE(error,''), created_at, finished_at
FROM sessions
WHERE id=$1
`, id)
	var rec SessionRecord
	var finished sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Email, &rec.Status, &rec.CurrentTarget, &rec.Turns, &rec.Artifacts, &rec.Error, &rec.CreatedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	if finished.Valid {
		ts := finished.Time
		rec.FinishedAt = &ts
	}
	return rec, true, nil
}

// ListSessions returns archived sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, email, status, COALESCE(current_target,''), turns, artifacts, COALESCE(error,''), created_at, finished_at
FROM sessions
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.Status, &rec.CurrentTarget, &rec.Turns, &rec.Artifacts, &rec.Error, &rec.CreatedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			ts := finished.Time
			rec.FinishedAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListTurns returns the archived transcript for a session in turn order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id required")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT session_id, turn_index, action, result, created_at
FROM session_turns
WHERE session_id=$1
ORDER BY turn_index ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		if err := rows.Scan(&rec.SessionID, &rec.Index, &rec.Action, &rec.Result, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListArtifacts returns archived artifact metadata for a session.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]ArtifactRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id required")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT session_id, turn_index, name, COALESCE(original_name,''), source_tool, local_path, size_bytes, created_at
FROM session_artifacts
WHERE session_id=$1
ORDER BY turn_index ASC, name ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		if err := rows.Scan(&rec.SessionID, &rec.TurnIndex, &rec.Name, &rec.OriginalName, &rec.SourceTool, &rec.LocalPath, &rec.SizeBytes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSessionsBefore removes archived sessions finished before the cutoff.
// Turn and artifact rows cascade. Returns the number of sessions removed.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM sessions
WHERE finished_at IS NOT NULL AND finished_at < $1
`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil || ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}
