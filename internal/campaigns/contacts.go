package campaigns

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// NormalizePhone strips common formatting and returns the number in E.164 form.
// It returns an error for anything that is not a plausible E.164 number.
func NormalizePhone(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: phone number required", ErrInvalidArgument)
	}
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: phone number %q has invalid characters", ErrInvalidArgument, value)
		}
	}
	out := b.String()
	if !strings.HasPrefix(out, "+") {
		out = "+" + out
	}
	if !e164.MatchString(out) {
		return "", fmt.Errorf("%w: phone number %q is not E.164", ErrInvalidArgument, value)
	}
	return out, nil
}

type ContactInput struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
}

type Rejection struct {
	Row         int    `json:"row"`
	PhoneNumber string `json:"phone_number"`
	Reason      string `json:"reason"`
}

type ImportReport struct {
	Imported int         `json:"imported"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// ImportContacts validates rows and stores the valid ones as pending contacts.
// Invalid rows are reported and never stored. Duplicate numbers within the
// same batch are rejected.
func ImportContacts(ctx context.Context, store Store, campaignID string, rows []ContactInput, now time.Time) (ImportReport, error) {
	if campaignID == "" {
		return ImportReport{}, fmt.Errorf("%w: campaign_id required", ErrInvalidArgument)
	}
	if _, err := store.GetCampaign(ctx, campaignID); err != nil {
		return ImportReport{}, err
	}

	var report ImportReport
	seen := make(map[string]struct{}, len(rows))
	valid := make([]Contact, 0, len(rows))
	for i, row := range rows {
		phone, err := NormalizePhone(row.PhoneNumber)
		if err != nil {
			report.Rejected = append(report.Rejected, Rejection{Row: i, PhoneNumber: row.PhoneNumber, Reason: "invalid_phone"})
			continue
		}
		if _, dup := seen[phone]; dup {
			report.Rejected = append(report.Rejected, Rejection{Row: i, PhoneNumber: row.PhoneNumber, Reason: "duplicate"})
			continue
		}
		seen[phone] = struct{}{}
		valid = append(valid, Contact{
			ID:          uuid.NewString(),
			CampaignID:  campaignID,
			PhoneNumber: phone,
			Name:        strings.TrimSpace(row.Name),
			Email:       strings.TrimSpace(row.Email),
			Status:      ContactPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if len(valid) > 0 {
		if err := store.InsertContacts(ctx, valid); err != nil {
			return ImportReport{}, err
		}
	}
	report.Imported = len(valid)
	return report, nil
}
