package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"castplane/pkg/health"
	"castplane/pkg/middleware"
	"castplane/services/episode"
	"castplane/services/ledger"
	"castplane/services/publish"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Invoke(RegisterRoutes),
)

type Handler struct {
	episodes *episode.Service
	ledger   *ledger.Service
	publish  *publish.Service
}

type RouteParams struct {
	fx.In
	Engine   *gin.Engine
	Health   health.HealthService
	Episodes *episode.Service
	Ledger   *ledger.Service
	Publish  *publish.Service
}

func RegisterRoutes(p RouteParams) {
	h := &Handler{
		episodes: p.Episodes,
		ledger:   p.Ledger,
		publish:  p.Publish,
	}

	p.Engine.GET("/healthz", p.Health.Liveness)
	p.Engine.GET("/readyz", p.Health.Readiness)

	v1 := p.Engine.Group("/v1", middleware.Error())
	{
		v1.POST("/shows", h.createShow)
		v1.GET("/shows/:id", h.getShow)

		v1.POST("/episodes", h.createEpisode)
		v1.GET("/episodes", h.listEpisodes)
		v1.GET("/episodes/:id", h.getEpisode)
		v1.DELETE("/episodes/:id", h.deleteEpisode)

		v1.POST("/episodes/:id/assembly/start", h.beginAssembly)
		v1.POST("/episodes/:id/assembly/complete", h.completeAssembly)
		v1.POST("/episodes/:id/assembly/fail", h.failAssembly)

		v1.PUT("/episodes/:id/schedule", h.schedule)
		v1.DELETE("/episodes/:id/schedule", h.clearSchedule)

		v1.POST("/episodes/:id/publish", h.publishEpisode)
		v1.POST("/episodes/:id/republish", h.republishEpisode)
		v1.POST("/episodes/:id/unpublish", h.unpublishEpisode)
		v1.POST("/episodes/:id/refresh-remote", h.refreshRemote)

		v1.GET("/users/:id/balance", h.balance)
		v1.GET("/users/:id/usage/month", h.monthUsage)
		v1.GET("/users/:id/ledger", h.userLedger)
		v1.POST("/users/:id/credits", h.postCredit)
	}
}

// episodeView is the wire shape of an episode. Status is the derived view;
// an unpublished episode with a future schedule reads as scheduled.
type episodeView struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	ShowID          string     `json:"show_id"`
	Title           string     `json:"title"`
	Slug            string     `json:"slug"`
	ShowNotes       string     `json:"show_notes,omitempty"`
	Status          string     `json:"status"`
	FinalAudioRef   *string    `json:"final_audio_ref,omitempty"`
	PublishAt       *time.Time `json:"publish_at,omitempty"`
	PublishAtLocal  *string    `json:"publish_at_local,omitempty"`
	NeedsRepublish  bool       `json:"needs_republish"`
	PublishError    *string    `json:"publish_error_code,omitempty"`
	RemoteEpisodeID *string    `json:"remote_episode_id,omitempty"`
	RemoteCoverURL  *string    `json:"remote_cover_url,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toEpisodeView(ep *episode.Episode) episodeView {
	return episodeView{
		ID:              ep.ID,
		UserID:          ep.UserID,
		ShowID:          ep.ShowID,
		Title:           ep.Title,
		Slug:            ep.Slug,
		ShowNotes:       ep.ShowNotes,
		Status:          string(ep.ViewStatus(time.Now().UTC())),
		FinalAudioRef:   ep.FinalAudioRef,
		PublishAt:       ep.PublishAt,
		PublishAtLocal:  ep.PublishAtLocal,
		NeedsRepublish:  ep.NeedsRepublish,
		PublishError:    ep.PublishErrorCode,
		RemoteEpisodeID: ep.RemoteEpisodeID,
		RemoteCoverURL:  ep.RemoteCoverURL,
		ProcessedAt:     ep.ProcessedAt,
		CreatedAt:       ep.CreatedAt,
		UpdatedAt:       ep.UpdatedAt,
	}
}

type createShowRequest struct {
	UserID       string  `json:"user_id" binding:"required"`
	Title        string  `json:"title" binding:"required"`
	Description  string  `json:"description"`
	RemoteShowID *string `json:"remote_show_id"`
}

func (h *Handler) createShow(c *gin.Context) {
	var req createShowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	show, err := h.episodes.CreateShow(c.Request.Context(), episode.CreateShowParams{
		UserID:       req.UserID,
		Title:        req.Title,
		Description:  req.Description,
		RemoteShowID: req.RemoteShowID,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, show)
}

func (h *Handler) getShow(c *gin.Context) {
	show, err := h.episodes.GetShow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, show)
}

type createEpisodeRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	ShowID    string `json:"show_id" binding:"required"`
	Title     string `json:"title"`
	ShowNotes string `json:"show_notes"`
}

func (h *Handler) createEpisode(c *gin.Context) {
	var req createEpisodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := h.episodes.Create(c.Request.Context(), episode.CreateParams{
		UserID:    req.UserID,
		ShowID:    req.ShowID,
		Title:     req.Title,
		ShowNotes: req.ShowNotes,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toEpisodeView(ep))
}

func (h *Handler) listEpisodes(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	rows, err := h.episodes.List(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}

	views := make([]episodeView, 0, len(rows))
	for _, ep := range rows {
		views = append(views, toEpisodeView(ep))
	}
	c.JSON(http.StatusOK, gin.H{"episodes": views})
}

func (h *Handler) getEpisode(c *gin.Context) {
	ep, err := h.episodes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toEpisodeView(ep))
}

func (h *Handler) deleteEpisode(c *gin.Context) {
	if err := h.episodes.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type beginAssemblyRequest struct {
	JobID           string `json:"job_id" binding:"required"`
	MinutesEstimate int    `json:"minutes_estimate" binding:"required"`
}

func (h *Handler) beginAssembly(c *gin.Context) {
	var req beginAssemblyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := h.episodes.BeginAssembly(c.Request.Context(), c.Param("id"), req.JobID, req.MinutesEstimate)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toEpisodeView(ep))
}

type completeAssemblyRequest struct {
	FinalAudioRef string `json:"final_audio_ref" binding:"required"`
}

func (h *Handler) completeAssembly(c *gin.Context) {
	var req completeAssemblyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := h.episodes.CompleteAssembly(c.Request.Context(), c.Param("id"), req.FinalAudioRef)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toEpisodeView(ep))
}

type failAssemblyRequest struct {
	Detail string `json:"detail"`
}

func (h *Handler) failAssembly(c *gin.Context) {
	var req failAssemblyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := h.episodes.FailAssembly(c.Request.Context(), c.Param("id"), req.Detail)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toEpisodeView(ep))
}

type scheduleRequest struct {
	PublishAt      string `json:"publish_at" binding:"required"`
	PublishAtLocal string `json:"publish_at_local"`
}

func (h *Handler) schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := h.episodes.Schedule(c.Request.Context(), c.Param("id"), req.PublishAt, req.PublishAtLocal)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toEpisodeView(ep))
}

func (h *Handler) clearSchedule(c *gin.Context) {
	ep, err := h.episodes.ClearSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toEpisodeView(ep))
}

type publishRequest struct {
	Force          bool   `json:"force"`
	ShowRef        string `json:"show_ref"`
	Visibility     string `json:"visibility"`
	PublishAt      string `json:"publish_at"`
	PublishAtLocal string `json:"publish_at_local"`
}

func (h *Handler) publishEpisode(c *gin.Context) {
	var req publishRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	receipt, err := h.publish.Publish(c.Request.Context(), publish.PublishParams{
		EpisodeID:      c.Param("id"),
		ShowRef:        req.ShowRef,
		Visibility:     req.Visibility,
		PublishAt:      req.PublishAt,
		PublishAtLocal: req.PublishAtLocal,
		Force:          req.Force,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) republishEpisode(c *gin.Context) {
	receipt, err := h.publish.Republish(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) unpublishEpisode(c *gin.Context) {
	var req publishRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.publish.Unpublish(c.Request.Context(), c.Param("id"), req.Force); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) refreshRemote(c *gin.Context) {
	if err := h.publish.RefreshRemote(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) balance(c *gin.Context) {
	minutes, err := h.ledger.BalanceMinutes(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("id"), "balance_minutes": minutes})
}

func (h *Handler) monthUsage(c *gin.Context) {
	now := time.Now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	minutes, err := h.ledger.MonthMinutesUsed(c.Request.Context(), c.Param("id"), periodStart, periodEnd)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      c.Param("id"),
		"period_start": periodStart,
		"minutes_used": minutes,
	})
}

func (h *Handler) userLedger(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	rows, err := h.ledger.UserLedger(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}

type postCreditRequest struct {
	Minutes       int     `json:"minutes" binding:"required"`
	Reason        string  `json:"reason" binding:"required"`
	EpisodeID     *string `json:"episode_id"`
	CorrelationID *string `json:"correlation_id"`
	Notes         string  `json:"notes"`
}

func (h *Handler) postCredit(c *gin.Context) {
	var req postCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.ledger.PostCredit(c.Request.Context(), ledger.PostParams{
		UserID:        c.Param("id"),
		EpisodeID:     req.EpisodeID,
		Minutes:       req.Minutes,
		Reason:        ledger.Reason(req.Reason),
		CorrelationID: req.CorrelationID,
		Notes:         req.Notes,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}
