package orchestrator

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
	g := r.Group("/campaigns")
	g.POST("/fund", h.fund)
	g.POST("/:id/payment-result", h.paymentResult)
	g.GET("/:id/payment-status", h.paymentStatus)
	g.GET("/:id/funding-events", h.events)
	g.POST("/:id/reconcile", h.reconcile)
	g.POST("/:id/resume", h.resume)
	g.POST("/:id/cancel", h.cancel)
}

func actor(c *gin.Context) (string, bool) {
	id, ok := middleware.ActorFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(errutil.Unauthorized("missing caller identity", nil))
	}
	return id, ok
}

func (h *Handler) fund(c *gin.Context) {
	ownerID, ok := actor(c)
	if !ok {
		return
	}

	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	f, err := h.svc.Fund(c.Request.Context(), ownerID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h *Handler) paymentResult(c *gin.Context) {
	ownerID, ok := actor(c)
	if !ok {
		return
	}

	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.svc.ReportResult(c.Request.Context(), c.Param("id"), ownerID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(statusFor(res), res)
}

func (h *Handler) paymentStatus(c *gin.Context) {
	st, err := h.svc.GetPaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) events(c *gin.Context) {
	ownerID, ok := actor(c)
	if !ok {
		return
	}
	if _, err := h.svc.ownedCampaign(c.Request.Context(), c.Param("id"), ownerID); err != nil {
		_ = c.Error(err)
		return
	}
	events, err := h.svc.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (h *Handler) reconcile(c *gin.Context) {
	res, err := h.svc.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(statusFor(res), res)
}

func (h *Handler) resume(c *gin.Context) {
	ownerID, ok := actor(c)
	if !ok {
		return
	}

	f, err := h.svc.Resume(c.Request.Context(), c.Param("id"), ownerID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h *Handler) cancel(c *gin.Context) {
	ownerID, ok := actor(c)
	if !ok {
		return
	}

	res, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), ownerID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// statusFor answers 202 while the payment is still being confirmed.
func statusFor(res *Result) int {
	if res.Outcome == OutcomeProcessing {
		return http.StatusAccepted
	}
	return http.StatusOK
}
