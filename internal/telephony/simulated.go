package telephony

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/clock"
	"outbound-engine/pkg/logger"
)

// SimulatedProvider stands in for a carrier in local runs and load tests.
// Each placed call plays a scripted progression (initiated, ringing,
// in-progress, completed) through the event sink on the injected clock.
//
// Destinations ending in "0000" are rejected as invalid; destinations ending
// in "0001" are busy.
type SimulatedProvider struct {
	sink    EventSink
	clock   clock.Clock
	ringFor time.Duration
	talkFor time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]chan struct{}
	wg     sync.WaitGroup
}

func NewSimulatedProvider(sink EventSink, clk clock.Clock, ringFor, talkFor time.Duration, log *slog.Logger) *SimulatedProvider {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SimulatedProvider{
		sink:    sink,
		clock:   clk,
		ringFor: ringFor,
		talkFor: talkFor,
		log:     logger.Component(log, "simulated_provider"),
		active:  make(map[string]chan struct{}),
	}
}

func (p *SimulatedProvider) Name() string { return "simulated" }

func (p *SimulatedProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if strings.HasSuffix(req.To, "0000") {
		return PlaceCallResult{}, &InvalidContactError{Number: req.To, Code: 21211, Err: errors.New("simulated invalid number")}
	}
	sid := "SIM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	hangup := make(chan struct{})
	p.mu.Lock()
	p.active[sid] = hangup
	p.mu.Unlock()

	p.wg.Add(1)
	go p.play(sid, req, hangup)
	return PlaceCallResult{CallSid: sid, Status: "queued"}, nil
}

func (p *SimulatedProvider) Hangup(ctx context.Context, callSid string) error {
	p.mu.Lock()
	ch, ok := p.active[callSid]
	if ok {
		delete(p.active, callSid)
	}
	p.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Wait blocks until every scripted call has finished.
func (p *SimulatedProvider) Wait() { p.wg.Wait() }

func (p *SimulatedProvider) play(sid string, req PlaceCallRequest, hangup <-chan struct{}) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.active, sid)
		p.mu.Unlock()
	}()

	emit := func(seq int, status calls.Status, duration *int) {
		ev := calls.StatusChanged{
			Envelope: calls.Envelope{
				CallSid:    sid,
				Source:     calls.SourceTelephony,
				EventID:    string(status),
				OccurredAt: p.clock.Now().UTC(),
				CampaignID: req.CampaignID,
				ContactID:  req.ContactID,
			},
			Status:          status,
			DurationSeconds: duration,
		}
		if err := p.sink.Ingest(context.Background(), ev); err != nil {
			p.log.Warn("simulated event rejected", "call_sid", sid, "seq", seq, "err", err)
		}
	}

	emit(1, calls.StatusInitiated, nil)
	select {
	case <-p.clock.After(p.ringFor):
	case <-hangup:
		emit(2, calls.StatusCanceled, nil)
		return
	}
	if strings.HasSuffix(req.To, "0001") {
		emit(2, calls.StatusBusy, nil)
		return
	}
	emit(2, calls.StatusRinging, nil)
	emit(3, calls.StatusInProgress, nil)
	answered := p.clock.Now()

	select {
	case <-p.clock.After(p.talkFor):
	case <-hangup:
	}
	d := int(p.clock.Now().Sub(answered).Seconds())
	emit(4, calls.StatusCompleted, &d)
}
