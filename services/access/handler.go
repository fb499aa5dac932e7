package access

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

type roleRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/admin/roles", RequirePermission(h.svc, ObjRole, ActManage))
	g.POST("", h.grant)
	g.DELETE("", h.revoke)
}

func (h *Handler) grant(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	actor, _ := middleware.ActorFromContext(c.Request.Context())
	grant, err := h.svc.Grant(c.Request.Context(), actor, req.UserID, req.Role)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

func (h *Handler) revoke(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}

	if err := h.svc.Revoke(c.Request.Context(), req.UserID, req.Role); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RequirePermission rejects callers whose roles do not allow act on obj.
func RequirePermission(checker Checker, obj, act string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := middleware.ActorFromContext(c.Request.Context())
		if !ok {
			_ = c.Error(errutil.Unauthorized("missing caller identity", nil))
			c.Abort()
			return
		}

		allowed, err := checker.Can(c.Request.Context(), actor, obj, act)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		if !allowed {
			_ = c.Error(errutil.Forbidden("permission denied", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
