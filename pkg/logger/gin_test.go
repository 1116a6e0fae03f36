package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMiddleware_CorrelatesWebhookRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "prod", "info")

	r := gin.New()
	r.Use(Middleware(l))
	r.POST("/webhooks/twilio/status", func(c *gin.Context) {
		From(c.Request.Context()).Info("handled")
		c.Status(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status?campaign_id=camp-1&contact_id=ct-9", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "rid-1" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	var recs []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad record %q: %v", sc.Text(), err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 2 {
		t.Fatalf("expected handler line and summary line, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec["request_id"] != "rid-1" || rec["campaign_id"] != "camp-1" || rec["contact_id"] != "ct-9" {
			t.Fatalf("missing correlation attrs in %v", rec)
		}
	}
	if recs[1]["level"] != "WARN" || recs[1]["path"] != "/webhooks/twilio/status" {
		t.Fatalf("expected warn summary for 4xx, got %v", recs[1])
	}
}
