package audit

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, campaign_id, type, actor_id, actor_role, from_status, to_status, call_sid, message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.CampaignID,
		e.Type,
		e.ActorID,
		e.ActorRole,
		e.FromStatus,
		e.ToStatus,
		e.CallSid,
		e.Message,
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]Event, error) {
	const q = `
SELECT id, campaign_id, type, actor_id, actor_role, from_status, to_status, call_sid, message, created_at
FROM audit_events
WHERE campaign_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID,
			&e.CampaignID,
			&e.Type,
			&e.ActorID,
			&e.ActorRole,
			&e.FromStatus,
			&e.ToStatus,
			&e.CallSid,
			&e.Message,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
