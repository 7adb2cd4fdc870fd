package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/models"
	"github.com/zulandar/panelyard/internal/store"
	"gorm.io/datatypes"
)

type handlers struct {
	deps Deps
}

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/health", h.health)

	router.POST("/templates", h.createTemplate)
	router.GET("/templates", h.listTemplates)
	router.GET("/templates/:id", h.getTemplate)
	router.GET("/templates/:id/sessions", h.templateSessions)

	router.POST("/respondents", h.createRespondent)
	router.GET("/respondents", h.listRespondents)
	router.GET("/respondents/:id", h.getRespondent)
	router.PUT("/respondents/:id/tags", h.setTags)
	router.POST("/respondents/:id/recompute", h.recompute)
	router.GET("/respondents/:id/verify", h.verify)

	router.POST("/sessions", h.startSession)
	router.GET("/sessions", h.listSessions)
	router.GET("/sessions/:id", h.getSession)
	router.POST("/sessions/:id/turns", h.appendTurn)
	router.POST("/sessions/:id/complete", h.completeSession)
	router.POST("/sessions/:id/abandon", h.abandonSession)
	router.GET("/sessions/:id/transcript", h.transcript)

	router.POST("/incentives", h.createIncentive)
	router.GET("/incentives", h.listIncentives)
	router.GET("/incentives/:id", h.getIncentive)
	router.POST("/incentives/:id/mark-paid", h.markPaid)

	router.GET("/insights/overview", h.overview)
	router.GET("/insights/stats", h.completionStats)
	router.GET("/insights/stats/:template_id", h.completionStats)
}

func (h *handlers) health(c *gin.Context) {
	sqlDB, err := h.deps.Store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok", "database": "ok"})
}

// --- templates ---

type createTemplateRequest struct {
	ResearcherID     string   `json:"researcher_id" binding:"required"`
	Title            string   `json:"title" binding:"required"`
	Topic            *string  `json:"topic"`
	StarterQuestions []string `json:"starter_questions"`
}

func (h *handlers) createTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t := &models.Template{
		ID:               uuid.NewString(),
		ResearcherID:     req.ResearcherID,
		Title:            strings.TrimSpace(req.Title),
		Topic:            req.Topic,
		StarterQuestions: datatypes.JSONSlice[string](req.StarterQuestions),
	}
	if err := h.deps.Store.Templates().Create(c.Request.Context(), t); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, "template", toTemplate(t))
}

func (h *handlers) getTemplate(c *gin.Context) {
	t, err := h.deps.Store.Templates().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "template", toTemplate(t))
}

func (h *handlers) listTemplates(c *gin.Context) {
	list, err := h.deps.Insights.Templates(c.Request.Context(), c.Query("researcher_id"))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]templateSummaryDTO, len(list))
	for i := range list {
		out[i] = toTemplateSummary(&list[i])
	}
	ok(c, http.StatusOK, "templates", out)
}

func (h *handlers) templateSessions(c *gin.Context) {
	list, err := h.deps.Insights.Sessions(c.Request.Context(), store.SessionFilter{TemplateID: c.Param("id")})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "sessions", toSessionSummaries(list))
}

// --- respondents ---

type createRespondentRequest struct {
	UserID       string              `json:"user_id" binding:"required"`
	Name         string              `json:"name" binding:"required"`
	Demographics models.Demographics `json:"demographics"`
	BehaviorTags []string            `json:"behavior_tags"`
}

func (h *handlers) createRespondent(c *gin.Context) {
	var req createRespondentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	r := &models.Respondent{
		UserID:       req.UserID,
		Name:         strings.TrimSpace(req.Name),
		Demographics: datatypes.NewJSONType(req.Demographics),
		BehaviorTags: datatypes.JSONSlice[string](normalizeTags(req.BehaviorTags)),
	}
	if err := h.deps.Store.Respondents().Create(c.Request.Context(), r); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, "respondent", toRespondent(r))
}

func (h *handlers) listRespondents(c *gin.Context) {
	rs, err := h.deps.Store.Respondents().List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]respondentDTO, len(rs))
	for i := range rs {
		out[i] = toRespondent(&rs[i])
	}
	ok(c, http.StatusOK, "respondents", out)
}

func (h *handlers) getRespondent(c *gin.Context) {
	ctx := c.Request.Context()
	r, err := h.deps.Store.Respondents().Get(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	sessions, err := h.deps.Insights.RespondentSessions(ctx, r.ID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "respondent", respondentDetailDTO{
		respondentDTO: toRespondent(r),
		Sessions:      toSessionSummaries(sessions),
	})
}

type setTagsRequest struct {
	BehaviorTags []string `json:"behavior_tags"`
}

func (h *handlers) setTags(c *gin.Context) {
	var req setTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.deps.Store.Respondents().SetBehaviorTags(ctx, id, normalizeTags(req.BehaviorTags)); err != nil {
		fail(c, err)
		return
	}
	r, err := h.deps.Store.Respondents().Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "respondent", toRespondent(r))
}

func (h *handlers) recompute(c *gin.Context) {
	r, err := h.deps.Aggregator.Recompute(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "respondent", toRespondent(r))
}

func (h *handlers) verify(c *gin.Context) {
	d, err := h.deps.Aggregator.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "drift", toDrift(d))
}

// normalizeTags trims, drops empties and dedupes, keeping first-seen order.
func normalizeTags(tags []string) []string {
	out := []string{}
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// --- sessions ---

type startSessionRequest struct {
	TemplateID   string `json:"template_id" binding:"required"`
	RespondentID string `json:"respondent_id" binding:"required"`
}

func (h *handlers) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.deps.Sessions.Start(c.Request.Context(), req.TemplateID, req.RespondentID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, "session", toSession(s))
}

func (h *handlers) listSessions(c *gin.Context) {
	list, err := h.deps.Insights.Sessions(c.Request.Context(), store.SessionFilter{
		TemplateID:   c.Query("template_id"),
		RespondentID: c.Query("respondent_id"),
		Status:       c.Query("status"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "sessions", toSessionSummaries(list))
}

func (h *handlers) getSession(c *gin.Context) {
	s, err := h.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "session", toSession(s))
}

type appendTurnRequest struct {
	Role    string `json:"role" binding:"required"`
	Message string `json:"message" binding:"required"`
}

func (h *handlers) appendTurn(c *gin.Context) {
	var req appendTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.deps.Sessions.AppendTurn(c.Request.Context(), c.Param("id"), req.Role, req.Message)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "session", toSession(s))
}

func (h *handlers) completeSession(c *gin.Context) {
	s, err := h.deps.Sessions.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "session", toSession(s))
}

func (h *handlers) abandonSession(c *gin.Context) {
	s, err := h.deps.Sessions.Abandon(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "session", toSession(s))
}

func (h *handlers) transcript(c *gin.Context) {
	turns, err := h.deps.Sessions.Transcript(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "transcript", toTurns(turns))
}

// --- incentives ---

type createIncentiveRequest struct {
	SessionID string           `json:"session_id" binding:"required"`
	Amount    *decimal.Decimal `json:"amount"`
}

func (h *handlers) createIncentive(c *gin.Context) {
	var req createIncentiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount := decimal.Zero
	if req.Amount != nil {
		if req.Amount.IsZero() {
			fail(c, apperr.InvalidInput("amount must be positive, got 0"))
			return
		}
		amount = *req.Amount
	}
	inc, created, err := h.deps.Ledger.CreateForSession(c.Request.Context(), req.SessionID, amount)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, "incentive", toIncentive(inc))
}

func (h *handlers) listIncentives(c *gin.Context) {
	list, err := h.deps.Ledger.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]incentiveDTO, len(list))
	for i := range list {
		out[i] = toIncentive(&list[i])
	}
	ok(c, http.StatusOK, "incentives", out)
}

func (h *handlers) getIncentive(c *gin.Context) {
	inc, err := h.deps.Ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "incentive", toIncentive(inc))
}

func (h *handlers) markPaid(c *gin.Context) {
	inc, err := h.deps.Ledger.MarkPaid(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "incentive", toIncentive(inc))
}

// --- insights ---

func (h *handlers) overview(c *gin.Context) {
	o, err := h.deps.Insights.Overview(c.Request.Context(), c.Query("template_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "overview", toOverview(o))
}

// completionStats serves both the global and the per-template route; the
// latter binds template_id.
func (h *handlers) completionStats(c *gin.Context) {
	cs, err := h.deps.Insights.Completion(c.Request.Context(), c.Param("template_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "stats", toCompletion(cs))
}
