package application

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
	g := r.Group("/applications")
	g.POST("", h.apply)
	g.POST("/:id/accept", h.accept)
	g.POST("/:id/reject", h.reject)
	g.POST("/:id/withdraw", h.withdraw)
	g.PUT("/:id/rate", h.updateRate)
}

type rateRequest struct {
	Rate int64 `json:"rate" binding:"gte=0"`
}

func actor(c *gin.Context) (string, bool) {
	id, ok := middleware.ActorFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(errutil.Unauthorized("missing caller identity", nil))
	}
	return id, ok
}

func (h *Handler) apply(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	app, err := h.svc.Apply(c.Request.Context(), userID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (h *Handler) accept(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	var req rateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			return
		}
	}

	app, err := h.svc.Accept(c.Request.Context(), c.Param("id"), userID, req.Rate)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (h *Handler) reject(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	app, err := h.svc.Reject(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (h *Handler) withdraw(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	app, err := h.svc.Withdraw(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (h *Handler) updateRate(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	app, err := h.svc.UpdateRate(c.Request.Context(), c.Param("id"), userID, req.Rate)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, app)
}
