package reporting

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CampaignReader is the slice of the campaign store reporting reads.
type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	CountContacts(ctx context.Context, campaignID string) (campaigns.ContactCounts, error)
}

// CallLister lists calls that have not reached a terminal status.
type CallLister interface {
	ListNonTerminal(ctx context.Context, campaignID string) ([]calls.Call, error)
}

type Service struct {
	campaigns CampaignReader
	calls     CallLister
	now       func() time.Time
}

func NewService(c CampaignReader, l CallLister) *Service {
	return &Service{campaigns: c, calls: l, now: time.Now}
}

// Progress assembles counts, stats and in-flight calls for one campaign.
// Reads are not transactional; counts and in-flight calls may disagree briefly.
func (s *Service) Progress(ctx context.Context, campaignID string) (Progress, error) {
	if campaignID == "" {
		return Progress{}, ErrInvalidRequest
	}
	if s.campaigns == nil || s.calls == nil {
		return Progress{}, errors.New("reporting: repository not configured")
	}

	camp, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return Progress{}, err
	}
	counts, err := s.campaigns.CountContacts(ctx, campaignID)
	if err != nil {
		return Progress{}, err
	}
	live, err := s.calls.ListNonTerminal(ctx, campaignID)
	if err != nil {
		return Progress{}, err
	}

	now := s.now().UTC()
	out := Progress{
		CampaignID:  camp.ID,
		Name:        camp.Name,
		Status:      camp.Status,
		LastError:   camp.LastError,
		Settings:    camp.Settings,
		Stats:       camp.Stats,
		Contacts:    counts,
		InFlight:    make([]InFlightCall, 0, len(live)),
		StartedAt:   camp.StartedAt,
		CompletedAt: camp.CompletedAt,
		GeneratedAt: now,
	}

	total := counts.Pending + counts.Calling + counts.Completed + counts.Failed
	if total > 0 {
		done := float64(counts.Completed+counts.Failed) / float64(total) * 100
		out.PercentDone = math.Round(done*10) / 10
	}

	for _, c := range live {
		out.InFlight = append(out.InFlight, InFlightCall{
			CallSid:    c.CallSid,
			ContactID:  c.ContactID,
			Status:     c.Status,
			AnsweredBy: c.AnsweredBy,
			AgeSeconds: int(now.Sub(c.CreatedAt).Seconds()),
		})
		switch c.Status {
		case calls.StatusInitiated:
			out.InFlightSummary.Initiated++
		case calls.StatusRinging:
			out.InFlightSummary.Ringing++
		case calls.StatusInProgress:
			out.InFlightSummary.InProgress++
		}
		if c.AnsweredBy.IsMachine() {
			out.InFlightSummary.Machine++
		}
	}
	sort.Slice(out.InFlight, func(i, j int) bool { return out.InFlight[i].CallSid < out.InFlight[j].CallSid })
	return out, nil
}
