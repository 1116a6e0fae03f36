package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"outbound-engine/internal/audit"
	"outbound-engine/internal/auth"
	"outbound-engine/internal/calls"
	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/clock"
	"outbound-engine/internal/config"
	"outbound-engine/internal/rbac"
	"outbound-engine/internal/reporting"
	"outbound-engine/internal/scheduler"
)

var t0 = time.Unix(1700000000, 0).UTC()

// storeController applies lifecycle transitions straight to the store.
type storeController struct {
	store     *campaigns.MemoryStore
	lastActor scheduler.Actor
	lastForce bool
}

func (s *storeController) transition(ctx context.Context, id string, from []campaigns.Status, to campaigns.Status, a scheduler.Actor) (campaigns.Campaign, error) {
	s.lastActor = a
	return s.store.TransitionCampaign(ctx, id, from, to, "", t0)
}

func (s *storeController) StartCampaign(ctx context.Context, id string, a scheduler.Actor) (campaigns.Campaign, error) {
	return s.transition(ctx, id, []campaigns.Status{campaigns.StatusDraft, campaigns.StatusPaused}, campaigns.StatusActive, a)
}

func (s *storeController) PauseCampaign(ctx context.Context, id string, a scheduler.Actor) (campaigns.Campaign, error) {
	return s.transition(ctx, id, []campaigns.Status{campaigns.StatusActive}, campaigns.StatusPaused, a)
}

func (s *storeController) CancelCampaign(ctx context.Context, id string, force bool, a scheduler.Actor) (campaigns.Campaign, error) {
	s.lastForce = force
	return s.transition(ctx, id, []campaigns.Status{campaigns.StatusDraft, campaigns.StatusActive, campaigns.StatusPaused}, campaigns.StatusCancelled, a)
}

type fixture struct {
	router *gin.Engine
	store  *campaigns.MemoryStore
	ctrl   *storeController
	tokens map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	store := campaigns.NewMemoryStore()
	machine := calls.NewMachine(calls.NewMemoryStore(), clock.NewFake(t0))
	f := &fixture{store: store, ctrl: &storeController{store: store}, tokens: map[string]string{}}
	for _, role := range []string{rbac.RoleAdmin, rbac.RoleOperator, rbac.RoleViewer} {
		pair, err := m.IssuePair(time.Now(), "op-"+role, role)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		f.tokens[role] = pair.AccessToken
	}

	h := Handlers{
		Auth:      m,
		Scheduler: f.ctrl,
		Campaigns: store,
		Reporting: reporting.NewService(store, machine),
		Audit:     audit.NewService(audit.NewMemoryRepo()),
		Now:       func() time.Time { return t0 },
	}
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(m))
	h.Register(v1)
	f.router = r

	if err := store.CreateCampaign(context.Background(), campaigns.Campaign{
		ID: "camp-1", Name: "renewals", Status: campaigns.StatusDraft, Settings: campaigns.Settings{MaxConcurrentCalls: 2},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return f
}

func (f *fixture) do(t *testing.T, role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[role])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/campaigns/camp-1/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if f.ctrl.lastActor.ID != "op-operator" || f.ctrl.lastActor.Role != rbac.RoleOperator {
		t.Fatalf("expected actor from token, got %+v", f.ctrl.lastActor)
	}

	w = f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/campaigns/camp-1/start", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", w.Code)
	}

	w = f.do(t, rbac.RoleAdmin, http.MethodPost, "/v1/campaigns/camp-1/cancel?force=true", nil)
	if w.Code != http.StatusOK || !f.ctrl.lastForce {
		t.Fatalf("cancel: %d force=%v", w.Code, f.ctrl.lastForce)
	}

	w = f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/campaigns/camp-1/cancel?force=maybe", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad force flag, got %d", w.Code)
	}

	w = f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/campaigns/nope/pause", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestViewerIsReadOnly(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, rbac.RoleViewer, http.MethodPost, "/v1/campaigns/camp-1/start", nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	w := f.do(t, rbac.RoleViewer, http.MethodGet, "/v1/campaigns/camp-1/progress", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("progress: %d %s", w.Code, w.Body.String())
	}
	var p reporting.Progress
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CampaignID != "camp-1" || p.Status != campaigns.StatusDraft {
		t.Fatalf("unexpected progress %+v", p)
	}
	if w := f.do(t, "", http.MethodGet, "/v1/campaigns/camp-1/progress", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestImportContactsReportsRejects(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/campaigns/camp-1/contacts", map[string]any{
		"contacts": []map[string]string{
			{"phone_number": "+1 (555) 123-4567", "name": "Ada"},
			{"phone_number": "123"},
			{"phone_number": "+15551234567"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("import: %d %s", w.Code, w.Body.String())
	}
	var report campaigns.ImportReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Imported != 1 || len(report.Rejected) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	counts, _ := f.store.CountContacts(context.Background(), "camp-1")
	if counts.Pending != 1 {
		t.Fatalf("expected one pending contact, got %+v", counts)
	}
}

func TestCreateCampaignValidates(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/campaigns", map[string]any{
		"name":     "winback",
		"settings": map[string]int{"max_concurrent_calls": 0},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero concurrency, got %d", w.Code)
	}

	w = f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/campaigns", map[string]any{
		"name":        "winback",
		"settings":    map[string]int{"max_concurrent_calls": 3, "max_retries": 1},
		"from_number": "+15550000100",
		"amd_policy":  "hangup",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var camp campaigns.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &camp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if camp.Status != campaigns.StatusDraft || camp.AMDPolicy != campaigns.AMDHangup {
		t.Fatalf("unexpected campaign %+v", camp)
	}
}

func TestLoginUsesRosterRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 2 * time.Hour,
		Operators:       map[string]string{"dana": rbac.RoleViewer},
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := Handlers{Auth: m}
	r := gin.New()
	r.POST("/login", h.Login)
	r.POST("/refresh", h.Refresh)

	post := func(path string, body any) *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := post("/login", map[string]string{"operator_id": "eve", "role": "admin"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for operator outside roster, got %d", w.Code)
	}

	w := post("/login", map[string]string{"operator_id": "dana", "role": "admin"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := m.Verify(pair.AccessToken, auth.TokenTypeAccess, time.Now())
	if err != nil || claims.Role != rbac.RoleViewer {
		t.Fatalf("expected viewer token, got %+v err=%v", claims, err)
	}

	if w := post("/refresh", map[string]string{"refresh_token": pair.RefreshToken}); w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body.String())
	}
	if w := post("/refresh", map[string]string{"refresh_token": pair.AccessToken}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for access token, got %d", w.Code)
	}
}
