package deliverable

import (
	"net/http"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/deliverables")
	g.POST("", h.submit)
	g.GET("/:id", h.get)
	g.GET("/:id/time-remaining", h.timeRemaining)
	g.POST("/:id/approve", h.approve)
	g.POST("/:id/reject", h.reject)
	g.POST("/:id/request-changes", h.requestChanges)
	g.POST("/:id/dispute", h.dispute)
	g.POST("/:id/auto-approval", h.autoApproval)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func actor(c *gin.Context) (string, bool) {
	id, ok := middleware.ActorFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(errutil.Unauthorized("missing caller identity", nil))
	}
	return id, ok
}

func bindReview(c *gin.Context) (ReviewRequest, bool) {
	var req ReviewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			return req, false
		}
	}
	return req, true
}

func (h *Handler) submit(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	d, err := h.svc.Submit(c.Request.Context(), userID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handler) get(c *gin.Context) {
	d, err := h.svc.Get(c.Request.Context(), nil, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) timeRemaining(c *gin.Context) {
	tr, err := h.svc.TimeRemaining(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

func (h *Handler) approve(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	req, ok := bindReview(c)
	if !ok {
		return
	}

	d, err := h.svc.Approve(c.Request.Context(), c.Param("id"), userID, req.Feedback)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) reject(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	req, ok := bindReview(c)
	if !ok {
		return
	}

	d, err := h.svc.Reject(c.Request.Context(), c.Param("id"), userID, req.Feedback)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) requestChanges(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	req, ok := bindReview(c)
	if !ok {
		return
	}

	d, err := h.svc.RequestChanges(c.Request.Context(), c.Param("id"), userID, req.Feedback, req.ChangesRequired)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) dispute(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	d, err := h.svc.Dispute(c.Request.Context(), c.Param("id"), userID, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) autoApproval(c *gin.Context) {
	d, approved, err := h.svc.CheckAutoApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": approved, "deliverable": d})
}
