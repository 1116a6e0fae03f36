package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"outbound-engine/internal/audit"
	"outbound-engine/internal/auth"
	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/rbac"
	"outbound-engine/internal/reporting"
	"outbound-engine/internal/routing"
	"outbound-engine/internal/scheduler"
	"outbound-engine/pkg/logger"
)

// CampaignController is the scheduler's lifecycle surface.
type CampaignController interface {
	StartCampaign(ctx context.Context, campaignID string, actor scheduler.Actor) (campaigns.Campaign, error)
	PauseCampaign(ctx context.Context, campaignID string, actor scheduler.Actor) (campaigns.Campaign, error)
	CancelCampaign(ctx context.Context, campaignID string, force bool, actor scheduler.Actor) (campaigns.Campaign, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Scheduler CampaignController
	Campaigns campaigns.Store
	Reporting *reporting.Service
	Audit     *audit.Service
	Now       func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

// Register mounts the campaign control routes on an authenticated group.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	read := rbac.RequireAnyRole(rbac.ReadRoles...)
	control := rbac.RequireAnyRole(rbac.ControlRoles...)

	c := v1.Group("/campaigns")
	c.POST("", control, h.CreateCampaign)
	c.GET("/:id", read, h.GetCampaign)
	c.GET("/:id/progress", read, h.Progress)
	c.GET("/:id/audit", read, h.ListAudit)
	c.POST("/:id/contacts", control, h.ImportContacts)
	c.POST("/:id/start", control, h.Start)
	c.POST("/:id/pause", control, h.Pause)
	c.POST("/:id/cancel", control, h.Cancel)
}

// --- Auth ---

type loginRequest struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
}

// Login issues a JWT token pair. With an operator roster configured the role
// comes from the roster and the requested one is ignored.
//
// NOTE: This is a development-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	role := req.Role
	if h.Auth.HasRoster() {
		r, ok := h.Auth.RoleOf(req.OperatorID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown operator"})
			return
		}
		role = r
	}
	if req.OperatorID == "" || !rbac.IsKnownRole(role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "operator_id and a known role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.OperatorID, role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair.
func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(h.now(), req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Campaigns ---

type createCampaignRequest struct {
	Name        string                   `json:"name"`
	Settings    campaigns.Settings       `json:"settings"`
	FromNumber  string                   `json:"from_number"`
	FromNumbers []routing.WeightedNumber `json:"from_numbers"`
	AgentID     string                   `json:"agent_id"`
	AMDPolicy   campaigns.AMDPolicy      `json:"amd_policy"`
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	switch req.AMDPolicy {
	case "", campaigns.AMDContinue, campaigns.AMDHangup:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "amd_policy must be continue or hangup"})
		return
	}
	now := h.now()
	camp := campaigns.Campaign{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Status:      campaigns.StatusDraft,
		Settings:    req.Settings,
		FromNumber:  req.FromNumber,
		FromNumbers: req.FromNumbers,
		AgentID:     req.AgentID,
		AMDPolicy:   req.AMDPolicy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.Campaigns.CreateCampaign(c.Request.Context(), camp); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, camp)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	camp, err := h.Campaigns.GetCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

type importContactsRequest struct {
	Contacts []campaigns.ContactInput `json:"contacts"`
}

// ImportContacts stores valid rows as pending contacts and reports the rest.
func (h Handlers) ImportContacts(c *gin.Context) {
	var req importContactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(req.Contacts) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contacts required"})
		return
	}
	report, err := campaigns.ImportContacts(c.Request.Context(), h.Campaigns, c.Param("id"), req.Contacts, h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h Handlers) Start(c *gin.Context) {
	camp, err := h.Scheduler.StartCampaign(c.Request.Context(), c.Param("id"), actor(c))
	h.respond(c, camp, err)
}

func (h Handlers) Pause(c *gin.Context) {
	camp, err := h.Scheduler.PauseCampaign(c.Request.Context(), c.Param("id"), actor(c))
	h.respond(c, camp, err)
}

// Cancel ends the campaign; ?force=true also tears down calls in flight.
func (h Handlers) Cancel(c *gin.Context) {
	force := false
	if v := c.Query("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
			return
		}
		force = b
	}
	camp, err := h.Scheduler.CancelCampaign(c.Request.Context(), c.Param("id"), force, actor(c))
	h.respond(c, camp, err)
}

func (h Handlers) Progress(c *gin.Context) {
	p, err := h.Reporting.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) ListAudit(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	events, err := h.Audit.List(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h Handlers) respond(c *gin.Context, camp campaigns.Campaign, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

// fail maps domain errors to status codes.
func (h Handlers) fail(c *gin.Context, err error) {
	var invalid *campaigns.InvalidStateError
	switch {
	case errors.As(err, &invalid):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "status": invalid.Status})
	case errors.Is(err, campaigns.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, campaigns.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, campaigns.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("control request failed", "path", c.FullPath(), "campaign_id", c.Param("id"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func actor(c *gin.Context) scheduler.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return scheduler.Actor{ID: id.OperatorID, Role: id.Role}
}
