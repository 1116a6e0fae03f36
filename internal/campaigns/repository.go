package campaigns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"outbound-engine/pkg/utils"
)

// PostgresStore persists campaigns and contacts (see migrations).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const campaignColumns = `id, name, status, max_concurrent_calls, call_delay_ms, max_retries,
stats_placed, stats_completed, stats_failed, from_number, from_numbers, agent_id, amd_policy,
last_error, created_at, updated_at, started_at, completed_at`

const contactColumns = `id, campaign_id, phone_number, name, email, status, call_count, last_call_result,
active_call_sid, last_contacted, next_attempt_at, created_at, updated_at`

func (s *PostgresStore) CreateCampaign(ctx context.Context, c Campaign) error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	numbers, err := json.Marshal(c.FromNumbers)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO campaigns (` + campaignColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,0,0,0,$7,$8,$9,$10,$11,$12,$13,NULL,NULL)
`
	_, err = s.db.ExecContext(ctx, q,
		c.ID,
		c.Name,
		c.Status,
		c.Settings.MaxConcurrentCalls,
		c.Settings.CallDelayMs,
		c.Settings.MaxRetries,
		c.FromNumber,
		numbers,
		c.AgentID,
		c.AMDPolicy,
		c.LastError,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: campaign %s already exists", ErrConflict, c.ID)
	}
	return err
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListCampaignsByStatus(ctx context.Context, status Status) ([]Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionCampaign(ctx context.Context, id string, from []Status, to Status, lastError string, now time.Time) (Campaign, error) {
	if len(from) == 0 {
		return Campaign{}, fmt.Errorf("%w: from statuses required", ErrInvalidArgument)
	}
	args := []any{id, to, lastError, now}
	placeholders := make([]string, 0, len(from))
	for _, st := range from {
		args = append(args, st)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	q := `
UPDATE campaigns SET
  status = $2,
  last_error = $3,
  updated_at = $4,
  started_at = CASE WHEN $2 = 'active' AND started_at IS NULL THEN $4 ELSE started_at END,
  completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN $4 ELSE completed_at END
WHERE id = $1 AND status IN (` + strings.Join(placeholders, ",") + `)
RETURNING ` + campaignColumns

	c, err := scanCampaign(s.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, err
	}
	cur, err := s.GetCampaign(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	return cur, &InvalidStateError{CampaignID: id, Op: "transition to " + string(to), Status: cur.Status}
}

func (s *PostgresStore) AddStats(ctx context.Context, id string, delta Stats) error {
	const q = `
UPDATE campaigns SET
  stats_placed = stats_placed + $2,
  stats_completed = stats_completed + $3,
  stats_failed = stats_failed + $4
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, id, delta.Placed, delta.Completed, delta.Failed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertContacts(ctx context.Context, contacts []Contact) error {
	const q = `
INSERT INTO contacts (` + contactColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, c := range contacts {
			if _, err := tx.ExecContext(ctx, q,
				c.ID,
				c.CampaignID,
				c.PhoneNumber,
				c.Name,
				c.Email,
				c.Status,
				c.CallCount,
				c.LastCallResult,
				c.ActiveCallSid,
				c.LastContacted,
				c.NextAttemptAt,
				c.CreatedAt,
				c.UpdatedAt,
			); err != nil {
				return fmt.Errorf("campaigns: insert contact %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (Contact, error) {
	q := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	c, err := scanContact(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, err
	}
	return c, nil
}

func (s *PostgresStore) CountContacts(ctx context.Context, campaignID string) (ContactCounts, error) {
	const q = `SELECT status, COUNT(*) FROM contacts WHERE campaign_id = $1 GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return ContactCounts{}, err
	}
	defer rows.Close()

	var out ContactCounts
	for rows.Next() {
		var (
			status ContactStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return ContactCounts{}, err
		}
		switch status {
		case ContactPending:
			out.Pending = n
		case ContactCalling:
			out.Calling = n
		case ContactCompleted:
			out.Completed = n
		case ContactFailed:
			out.Failed = n
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPlaceable(ctx context.Context, campaignID string, now time.Time, limit int) ([]Contact, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT ` + contactColumns + `
FROM contacts
WHERE campaign_id = $1 AND status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
ORDER BY (call_count > 0) DESC, created_at, id
LIMIT $3`
	return s.queryContacts(ctx, q, campaignID, now, limit)
}

func (s *PostgresStore) ListCalling(ctx context.Context, campaignID string) ([]Contact, error) {
	q := `SELECT ` + contactColumns + `
FROM contacts
WHERE campaign_id = $1 AND status = 'calling'
ORDER BY id`
	return s.queryContacts(ctx, q, campaignID)
}

func (s *PostgresStore) UpdateContact(ctx context.Context, next Contact, expectedStatus ContactStatus, expectedCallSid string) error {
	const q = `
UPDATE contacts SET
  status = $2, call_count = $3, last_call_result = $4, active_call_sid = $5,
  last_contacted = $6, next_attempt_at = $7, updated_at = $8
WHERE id = $1 AND status = $9 AND active_call_sid = $10
`
	res, err := s.db.ExecContext(ctx, q,
		next.ID,
		next.Status,
		next.CallCount,
		next.LastCallResult,
		next.ActiveCallSid,
		next.LastContacted,
		next.NextAttemptAt,
		next.UpdatedAt,
		expectedStatus,
		expectedCallSid,
	)
	if err != nil {
		return err
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

func (s *PostgresStore) queryContacts(ctx context.Context, q string, args ...any) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
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

func scanCampaign(row rowScanner) (Campaign, error) {
	var (
		c         Campaign
		numbers   []byte
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Status,
		&c.Settings.MaxConcurrentCalls,
		&c.Settings.CallDelayMs,
		&c.Settings.MaxRetries,
		&c.Stats.Placed,
		&c.Stats.Completed,
		&c.Stats.Failed,
		&c.FromNumber,
		&numbers,
		&c.AgentID,
		&c.AMDPolicy,
		&c.LastError,
		&c.CreatedAt,
		&c.UpdatedAt,
		&started,
		&completed,
	); err != nil {
		return Campaign{}, err
	}
	if len(numbers) > 0 {
		if err := json.Unmarshal(numbers, &c.FromNumbers); err != nil {
			return Campaign{}, fmt.Errorf("campaigns: decode from_numbers: %w", err)
		}
	}
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		c.CompletedAt = &t
	}
	return c, nil
}

func scanContact(row rowScanner) (Contact, error) {
	var (
		c             Contact
		lastContacted sql.NullTime
		nextAttempt   sql.NullTime
	)
	if err := row.Scan(
		&c.ID,
		&c.CampaignID,
		&c.PhoneNumber,
		&c.Name,
		&c.Email,
		&c.Status,
		&c.CallCount,
		&c.LastCallResult,
		&c.ActiveCallSid,
		&lastContacted,
		&nextAttempt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Contact{}, err
	}
	if lastContacted.Valid {
		t := lastContacted.Time
		c.LastContacted = &t
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		c.NextAttemptAt = &t
	}
	return c, nil
}
