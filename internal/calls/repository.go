package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists calls in the calls table (see migrations).
// Signals and corroborations are stored as JSONB arrays.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const callColumns = `call_sid, campaign_id, contact_id, status, status_source, answered_by, conversation_id,
transcript_present, duration, terminated_by, termination_reason, termination_source, termination_precedence,
signals, corroborations, version, created_at, updated_at, ended_at`

func (s *PostgresStore) Create(ctx context.Context, c Call) error {
	signals, corroborations, err := marshalEvidence(c)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1,$16,$17,$18)
ON CONFLICT (call_sid) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q,
		c.CallSid,
		c.CampaignID,
		c.ContactID,
		c.Status,
		c.StatusSource,
		c.AnsweredBy,
		c.ConversationID,
		c.TranscriptPresent,
		c.DurationSeconds,
		c.Termination.By,
		c.Termination.Reason,
		c.Termination.Source,
		c.Termination.Precedence,
		signals,
		corroborations,
		c.CreatedAt,
		c.UpdatedAt,
		c.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("calls: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, callSid string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE call_sid = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, callSid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

// Update writes c only if the stored version still equals expectedVersion.
func (s *PostgresStore) Update(ctx context.Context, c Call, expectedVersion int64) error {
	signals, corroborations, err := marshalEvidence(c)
	if err != nil {
		return err
	}
	const q = `
UPDATE calls SET
  status = $2, status_source = $3, answered_by = $4, conversation_id = $5, transcript_present = $6,
  duration = $7, terminated_by = $8, termination_reason = $9, termination_source = $10,
  termination_precedence = $11, signals = $12, corroborations = $13, updated_at = $14, ended_at = $15,
  version = version + 1
WHERE call_sid = $1 AND version = $16
`
	res, err := s.db.ExecContext(ctx, q,
		c.CallSid,
		c.Status,
		c.StatusSource,
		c.AnsweredBy,
		c.ConversationID,
		c.TranscriptPresent,
		c.DurationSeconds,
		c.Termination.By,
		c.Termination.Reason,
		c.Termination.Source,
		c.Termination.Precedence,
		signals,
		corroborations,
		c.UpdatedAt,
		c.EndedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("calls: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context, campaignID string) ([]Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE campaign_id = $1 AND status IN ('initiated', 'ringing', 'in-progress')
ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c              Call
		signals        []byte
		corroborations []byte
		endedAt        sql.NullTime
	)
	if err := row.Scan(
		&c.CallSid,
		&c.CampaignID,
		&c.ContactID,
		&c.Status,
		&c.StatusSource,
		&c.AnsweredBy,
		&c.ConversationID,
		&c.TranscriptPresent,
		&c.DurationSeconds,
		&c.Termination.By,
		&c.Termination.Reason,
		&c.Termination.Source,
		&c.Termination.Precedence,
		&signals,
		&corroborations,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
		&endedAt,
	); err != nil {
		return Call{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &c.Signals); err != nil {
			return Call{}, fmt.Errorf("calls: decode signals: %w", err)
		}
	}
	if len(corroborations) > 0 {
		if err := json.Unmarshal(corroborations, &c.Corroborations); err != nil {
			return Call{}, fmt.Errorf("calls: decode corroborations: %w", err)
		}
	}
	return c, nil
}

func marshalEvidence(c Call) ([]byte, []byte, error) {
	signals := c.Signals
	if signals == nil {
		signals = []Signal{}
	}
	corroborations := c.Corroborations
	if corroborations == nil {
		corroborations = []Corroboration{}
	}
	sb, err := json.Marshal(signals)
	if err != nil {
		return nil, nil, err
	}
	cb, err := json.Marshal(corroborations)
	if err != nil {
		return nil, nil, err
	}
	return sb, cb, nil
}
