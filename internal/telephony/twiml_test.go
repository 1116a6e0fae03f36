package telephony

import (
	"strings"
	"testing"
)

func TestRenderConnectStream(t *testing.T) {
	xml, err := RenderConnectStream("wss://engine.example.com/webhooks/twilio/media-stream", map[string]string{
		"contact_id":  "k1",
		"campaign_id": "c1",
		"agent_id":    "",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"<Connect>",
		`<Stream url="wss://engine.example.com/webhooks/twilio/media-stream">`,
		`<Parameter name="campaign_id" value="c1"></Parameter>`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
	if strings.Contains(xml, "agent_id") {
		t.Fatalf("empty parameters must be omitted: %s", xml)
	}
	if strings.Index(xml, "campaign_id") > strings.Index(xml, "contact_id") {
		t.Fatalf("parameters should be sorted: %s", xml)
	}
}

func TestRenderConnectStreamRequiresWebsocketURL(t *testing.T) {
	if _, err := RenderConnectStream("https://engine.example.com/stream", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStreamURL(t *testing.T) {
	if got := StreamURL("https://engine.example.com/"); got != "wss://engine.example.com"+PathMediaStream {
		t.Fatalf("got %q", got)
	}
	if got := StreamURL("http://localhost:8080"); got != "ws://localhost:8080"+PathMediaStream {
		t.Fatalf("got %q", got)
	}
}

func TestRenderHangup(t *testing.T) {
	xml, err := RenderHangup()
	if err != nil || !strings.Contains(xml, "<Hangup>") {
		t.Fatalf("xml=%q err=%v", xml, err)
	}
}
