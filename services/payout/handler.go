package payout

import (
	"net/http"

	"github.com/TroodieTeam/troodie-sub002/services/access"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	processor *Processor
	checker   access.Checker
}

func NewHandler(processor *Processor, checker access.Checker) *Handler {
	return &Handler{processor: processor, checker: checker}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/payouts", access.RequirePermission(h.checker, access.ObjPayout, access.ActTrigger), h.create)
}

func (h *Handler) create(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.processor.Request(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if res.PendingOnboarding {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}
