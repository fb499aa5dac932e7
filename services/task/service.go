package task

import (
	"context"
	"errors"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/db/option"
	"github.com/TroodieTeam/troodie-sub002/pkg/db/pagination"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/lease"
	"github.com/TroodieTeam/troodie-sub002/pkg/rediskey"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/task")

const (
	defaultSweepInterval = 15 * time.Minute
	maxJobPage           = 50
)

// Sweeper approves deliverables whose review window has lapsed.
type Sweeper interface {
	SweepAutoApprovals(ctx context.Context) (int, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	sweeper  Sweeper
	locker   lease.Locker
	interval time.Duration

	tasks repository.Repository[Task]
	jobs  repository.Repository[Job]
}

type Params struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Config  *config.Config
	Sweeper Sweeper
	Locker  lease.Locker
}

func NewService(p Params) *Service {
	interval := p.Config.Review.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		sweeper:  p.Sweeper,
		locker:   p.Locker,
		interval: interval,
		tasks:    repository.ProvideStore[Task](p.DB),
		jobs:     repository.ProvideStore[Job](p.DB),
	}
}

func (s *Service) Interval() time.Duration { return s.interval }

// EnsureTask returns the named task, registering it on first use.
func (s *Service) EnsureTask(ctx context.Context, name, description string) (*Task, error) {
	existing, err := s.tasks.FindOne(ctx, &Task{Name: name})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	t := &Task{
		ID:          s.node.Generate().String(),
		Name:        name,
		Description: description,
		Interval:    s.interval.String(),
		IsActive:    true,
	}
	if err := s.tasks.Create(ctx, t); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.tasks.FindOne(ctx, &Task{Name: name})
		}
		return nil, err
	}
	return t, nil
}

// RunAutoApprovalSweep runs one sweep and records it as a Job. It returns
// nil without error when the task is inactive or another replica holds the
// sweep lease.
func (s *Service) RunAutoApprovalSweep(ctx context.Context) (*Job, error) {
	ctx, span := tracer.Start(ctx, "task.Service.RunAutoApprovalSweep")
	defer span.End()

	t, err := s.EnsureTask(ctx, TaskAutoApproval, "approve deliverables past the review window")
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, nil
	}

	release, ok, err := s.locker.Acquire(ctx, rediskey.BuildSweepLeaseKey(t.Name), s.interval)
	if err != nil {
		return nil, err
	}
	if !ok {
		zap.L().Debug("[Scheduler] sweep held elsewhere", zap.String("task", t.Name))
		return nil, nil
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	now := time.Now().UTC()
	job := &Job{
		ID:        s.node.Generate().String(),
		TaskID:    t.ID,
		Status:    JobRunning,
		StartedAt: &now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	n, runErr := s.sweeper.SweepAutoApprovals(ctx)

	done := time.Now().UTC()
	updates := map[string]any{
		"status":       JobSuccess,
		"processed":    n,
		"completed_at": done,
	}
	job.Status, job.Processed, job.CompletedAt = JobSuccess, n, &done
	if runErr != nil {
		updates["status"] = JobFailed
		updates["error_msg"] = runErr.Error()
		job.Status, job.ErrorMsg = JobFailed, runErr.Error()
	}

	// The sweep may have been cancelled; the job row still gets closed.
	if _, err := s.jobs.UpdateWhere(context.WithoutCancel(ctx), &Job{ID: job.ID}, updates); err != nil {
		zap.L().Error("[Scheduler] failed to close job", zap.String("job_id", job.ID), zap.Error(err))
	}
	return job, runErr
}

// ListJobs pages through the runs of the named task, oldest first.
func (s *Service) ListJobs(ctx context.Context, name string, p pagination.Pagination) ([]*Job, *pagination.PageInfo, error) {
	t, err := s.tasks.FindOne(ctx, &Task{Name: name})
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, errutil.NotFound("task not found", nil)
	}
	if p.Limit <= 0 || p.Limit > maxJobPage {
		p.Limit = maxJobPage
	}

	jobs, err := s.jobs.Find(ctx, &Job{TaskID: t.ID}, option.ApplyPagination(p))
	if err != nil {
		return nil, nil, err
	}
	jobs, info := pagination.Page(jobs, p.Limit, func(j *Job) string { return j.ID })
	return jobs, info, nil
}

// SetActive pauses or resumes a task.
func (s *Service) SetActive(ctx context.Context, name string, active bool) (*Task, error) {
	t, err := s.tasks.FindOne(ctx, &Task{Name: name})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errutil.NotFound("task not found", nil)
	}
	if _, err := s.tasks.UpdateWhere(ctx, &Task{ID: t.ID}, map[string]any{"is_active": active}); err != nil {
		return nil, err
	}
	t.IsActive = active
	return t, nil
}
