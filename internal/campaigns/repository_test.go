package campaigns

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStore_UpdateContactConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE contacts SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewPostgresStore(db)
	err = s.UpdateContact(context.Background(), Contact{ID: "a", Status: ContactCalling}, ContactPending, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_TransitionReportsInvalidState(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`UPDATE campaigns SET`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`FROM campaigns WHERE id`).WithArgs("c1").WillReturnRows(
		sqlmock.NewRows([]string{
			"id", "name", "status", "max_concurrent_calls", "call_delay_ms", "max_retries",
			"stats_placed", "stats_completed", "stats_failed", "from_number", "from_numbers", "agent_id", "amd_policy",
			"last_error", "created_at", "updated_at", "started_at", "completed_at",
		}).AddRow("c1", "Spring", "completed", 2, 0, 1, 5, 4, 1, "+15550000000", []byte(`[]`), "agent", "continue", "", now, now, now, now),
	)

	s := NewPostgresStore(db)
	_, err = s.TransitionCampaign(context.Background(), "c1", []Status{StatusDraft, StatusPaused}, StatusActive, "", now)
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if ise.Status != StatusCompleted {
		t.Fatalf("expected completed status reported, got %s", ise.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_CountContacts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM contacts`).WithArgs("c1").WillReturnRows(
		sqlmock.NewRows([]string{"status", "count"}).AddRow("pending", 3).AddRow("calling", 2).AddRow("failed", 1),
	)

	s := NewPostgresStore(db)
	got, err := s.CountContacts(context.Background(), "c1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got.Pending != 3 || got.Calling != 2 || got.Failed != 1 || got.Open() != 5 {
		t.Fatalf("unexpected counts: %+v", got)
	}
}
