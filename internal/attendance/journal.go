package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/surihq/attendcam/internal/gate"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS attendance_journal (
	id                  BIGSERIAL PRIMARY KEY,
	person_id           TEXT        NOT NULL,
	member_name         TEXT        NOT NULL DEFAULT '',
	confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
	liveness_status     TEXT        NOT NULL DEFAULT '',
	liveness_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	manual              BOOLEAN     NOT NULL DEFAULT FALSE,
	occurred_at         TIMESTAMPTZ NOT NULL,
	recorded_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS attendance_journal_person_idx
	ON attendance_journal (person_id, occurred_at DESC);
`

// JournalEntry is one locally recorded attendance event.
type JournalEntry struct {
	ID                 int64     `db:"id"`
	PersonID           string    `db:"person_id"`
	MemberName         string    `db:"member_name"`
	Confidence         float64   `db:"confidence"`
	LivenessStatus     string    `db:"liveness_status"`
	LivenessConfidence float64   `db:"liveness_confidence"`
	Manual             bool      `db:"manual"`
	OccurredAt         time.Time `db:"occurred_at"`
	RecordedAt         time.Time `db:"recorded_at"`
}

// Journal keeps a local, queryable copy of every emitted attendance event,
// so a flaky backend never loses the fact that an event was gated and sent.
type Journal struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenJournal connects to Postgres and ensures the schema exists.
func OpenJournal(ctx context.Context, dsn string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.L()
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure journal schema: %w", err)
	}

	return &Journal{db: db, logger: logger.Named("journal")}, nil
}

// ProcessAttendanceEvent implements gate.Emitter by inserting the event.
func (j *Journal) ProcessAttendanceEvent(ctx context.Context, ev gate.Event) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO attendance_journal
			(person_id, member_name, confidence, liveness_status, liveness_confidence, manual, occurred_at)
		VALUES
			(:person_id, :member_name, :confidence, :liveness_status, :liveness_confidence, :manual, :occurred_at)`,
		map[string]any{
			"person_id":           ev.PersonID,
			"member_name":         ev.MemberName,
			"confidence":          ev.Confidence,
			"liveness_status":     ev.LivenessStatus,
			"liveness_confidence": ev.LivenessConfidence,
			"manual":              ev.Manual,
			"occurred_at":         ev.OccurredAt,
		})
	if err != nil {
		return fmt.Errorf("journal insert failed: %w", err)
	}
	return nil
}

// Recent returns the latest n journal entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]JournalEntry, error) {
	if n <= 0 {
		n = 50
	}
	var entries []JournalEntry
	err := j.db.SelectContext(ctx, &entries, `
		SELECT * FROM attendance_journal ORDER BY occurred_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("journal query failed: %w", err)
	}
	return entries, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
