package telephony

import (
	"context"
	"errors"
	"testing"
	"time"

	"outbound-engine/internal/calls"
	"outbound-engine/internal/clock"
	"outbound-engine/pkg/logger"
)

func statuses(events []calls.Event) []calls.Status {
	var out []calls.Status
	for _, ev := range events {
		if sc, ok := ev.(calls.StatusChanged); ok {
			out = append(out, sc.Status)
		}
	}
	return out
}

func waitForEvents(t *testing.T, sink *captureSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d events, got %d", n, len(sink.all()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForWaiters(t *testing.T, clk *clock.Fake) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("simulated call never parked on the clock")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSimulatedProvider_ScriptedCall(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	sink := &captureSink{}
	p := NewSimulatedProvider(sink, clk, 5*time.Second, 40*time.Second, logger.Discard())

	res, err := p.PlaceCall(context.Background(), PlaceCallRequest{CampaignID: "c1", ContactID: "k1", To: "+15551234567"})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	waitForWaiters(t, clk)
	clk.Advance(5 * time.Second)
	waitForEvents(t, sink, 3)
	waitForWaiters(t, clk)
	clk.Advance(40 * time.Second)
	p.Wait()

	got := statuses(sink.all())
	want := []calls.Status{calls.StatusInitiated, calls.StatusRinging, calls.StatusInProgress, calls.StatusCompleted}
	if len(got) != len(want) {
		t.Fatalf("statuses = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v", got)
		}
	}
	last := sink.all()[3].(calls.StatusChanged)
	if last.CallSid != res.CallSid || last.DurationSeconds == nil || *last.DurationSeconds != 40 {
		t.Fatalf("unexpected completion %+v", last)
	}
}

func TestSimulatedProvider_InvalidAndHangup(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	sink := &captureSink{}
	p := NewSimulatedProvider(sink, clk, 5*time.Second, time.Minute, logger.Discard())

	_, err := p.PlaceCall(context.Background(), PlaceCallRequest{To: "+15550000000"})
	var invalid *InvalidContactError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid contact error, got %v", err)
	}

	res, err := p.PlaceCall(context.Background(), PlaceCallRequest{To: "+15557654321"})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	waitForWaiters(t, clk)
	if err := p.Hangup(context.Background(), res.CallSid); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	p.Wait()
	got := statuses(sink.all())
	if len(got) != 2 || got[1] != calls.StatusCanceled {
		t.Fatalf("statuses = %v", got)
	}
}
