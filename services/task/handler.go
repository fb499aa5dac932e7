package task

import (
	"net/http"

	"github.com/TroodieTeam/troodie-sub002/pkg/db/pagination"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/services/access"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc     *Service
	checker access.Checker
}

func NewHandler(svc *Service, checker access.Checker) *Handler {
	return &Handler{svc: svc, checker: checker}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/admin/tasks")
	g.GET("/:name/jobs", access.RequirePermission(h.checker, access.ObjTask, access.ActRead), h.jobs)
	g.POST("/:name/run", access.RequirePermission(h.checker, access.ObjTask, access.ActManage), h.run)
	g.PATCH("/:name", access.RequirePermission(h.checker, access.ObjTask, access.ActManage), h.update)
}

func (h *Handler) jobs(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(err)
		return
	}
	jobs, page, err := h.svc.ListJobs(c.Request.Context(), c.Param("name"), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "page": page})
}

func (h *Handler) run(c *gin.Context) {
	if c.Param("name") != TaskAutoApproval {
		_ = c.Error(errutil.NotFound("task not found", nil))
		return
	}
	job, err := h.svc.RunAutoApprovalSweep(c.Request.Context())
	if err != nil {
		_ = c.Error(errutil.Internal("sweep failed", err))
		return
	}
	if job == nil {
		c.JSON(http.StatusAccepted, gin.H{"skipped": true})
		return
	}
	c.JSON(http.StatusOK, job)
}

type updateRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		return
	}
	t, err := h.svc.SetActive(c.Request.Context(), c.Param("name"), *req.Active)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}
