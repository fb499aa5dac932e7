package onboarding

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
	g := r.Group("/onboarding/:role")
	g.GET("/status", h.status)
	g.POST("/link", h.link)
}

func caller(c *gin.Context) (string, Role, error) {
	userID, ok := middleware.ActorFromContext(c.Request.Context())
	if !ok {
		return "", "", errutil.Unauthorized("missing caller identity", nil)
	}
	role := Role(c.Param("role"))
	if !role.Valid() {
		return "", "", errutil.ValidationFailed("role must be business or creator", nil)
	}
	return userID, role, nil
}

func (h *Handler) status(c *gin.Context) {
	userID, role, err := caller(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	st, err := h.svc.GetStatus(c.Request.Context(), userID, role)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type linkRequest struct {
	Email string `json:"email" binding:"omitempty,email"`
}

func (h *Handler) link(c *gin.Context) {
	userID, role, err := caller(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req linkRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			return
		}
	}

	st, err := h.svc.OnboardingLink(c.Request.Context(), userID, role, req.Email)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}
