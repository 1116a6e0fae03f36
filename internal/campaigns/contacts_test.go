package campaigns

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+15551234567", want: "+15551234567"},
		{in: " +1 (555) 123-4567 ", want: "+15551234567"},
		{in: "447911123456", want: "+447911123456"},
		{in: "123", wantErr: true},
		{in: "", wantErr: true},
		{in: "+0123456789", wantErr: true},
		{in: "+1555abc4567", wantErr: true},
		{in: "+1234567890123456", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NormalizePhone(%q): expected error, got %q", tc.in, got)
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("NormalizePhone(%q): expected ErrInvalidArgument, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizePhone(%q): unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestImportContacts_RejectsInvalidAndDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	if err := store.CreateCampaign(ctx, Campaign{ID: "c1", Settings: Settings{MaxConcurrentCalls: 1}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := ImportContacts(ctx, store, "c1", []ContactInput{
		{PhoneNumber: "123", Name: "Bad"},
		{PhoneNumber: "+15551234567", Name: "Ada"},
		{PhoneNumber: "+1 555 123 4567", Name: "Ada again"},
	}, now)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.Imported != 1 {
		t.Fatalf("expected 1 imported, got %d", report.Imported)
	}
	if len(report.Rejected) != 2 || report.Rejected[0].Reason != "invalid_phone" || report.Rejected[1].Reason != "duplicate" {
		t.Fatalf("unexpected rejections: %+v", report.Rejected)
	}

	counts, _ := store.CountContacts(ctx, "c1")
	if counts.Pending != 1 {
		t.Fatalf("expected only the valid contact pending, got %+v", counts)
	}
}

func TestImportContacts_UnknownCampaign(t *testing.T) {
	store := NewMemoryStore()
	_, err := ImportContacts(context.Background(), store, "missing", []ContactInput{{PhoneNumber: "+15551234567"}}, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
