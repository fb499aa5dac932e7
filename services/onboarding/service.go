package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/onboarding")

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	processor processor.Client
	now       func() time.Time
	links     singleflight.Group

	accounts repository.Repository[ConnectedAccount]
}

type Params struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Processor processor.Client
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		processor: p.Processor,
		now:       time.Now,
		accounts:  repository.ProvideStore[ConnectedAccount](p.DB),
	}
}

func logFields(ctx context.Context, userID string, role Role) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
		zap.String("user_id", userID),
		zap.String("role", string(role)),
	}
}

func (s *Service) find(ctx context.Context, userID string, role Role) (*ConnectedAccount, error) {
	if !role.Valid() {
		return nil, errutil.ValidationFailed("role must be business or creator", nil)
	}
	return s.accounts.FindOne(ctx, &ConnectedAccount{UserID: userID, Role: role})
}

// GetStatus never calls the processor; it reports the durable view only.
func (s *Service) GetStatus(ctx context.Context, userID string, role Role) (*Status, error) {
	acct, err := s.find(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return &Status{}, nil
	}

	st := &Status{
		HasAccount:          true,
		OnboardingCompleted: acct.OnboardingCompleted,
		AccountID:           acct.ProcessorAccountID,
	}
	if !acct.OnboardingCompleted && acct.linkValid(s.now()) {
		st.OnboardingLink = acct.OnboardingLink
		st.LinkExpiresAt = acct.LinkExpiresAt
	}
	return st, nil
}

// PayoutAccount returns the processor account id when onboarding is complete.
func (s *Service) PayoutAccount(ctx context.Context, userID string, role Role) (string, bool, error) {
	acct, err := s.find(ctx, userID, role)
	if err != nil || acct == nil {
		return "", false, err
	}
	return acct.ProcessorAccountID, acct.OnboardingCompleted, nil
}

// EnsureAccount creates the processor account for (userID, role) at most once.
func (s *Service) EnsureAccount(ctx context.Context, userID string, role Role, email string) (*ConnectedAccount, error) {
	ctx, span := tracer.Start(ctx, "onboarding.Service.EnsureAccount")
	defer span.End()
	opts := logFields(ctx, userID, role)

	acct, err := s.find(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return acct, nil
	}

	remote, err := s.processor.CreateAccount(ctx, processor.CreateAccountParams{
		UserID: userID,
		Role:   string(role),
		Email:  email,
	})
	if err != nil {
		zap.L().With(opts...).Error("failed to create connected account", zap.Error(err))
		return nil, errutil.BadGateway("failed to create connected account", err,
			errutil.WithDetails(errutil.Detail{Field: "processor_code", Message: processor.CodeOf(err)}))
	}

	acct = &ConnectedAccount{
		ID:                 s.node.Generate().String(),
		UserID:             userID,
		Role:               role,
		ProcessorAccountID: remote.ID,
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.find(ctx, userID, role)
		}
		return nil, err
	}

	zap.L().With(opts...).Info("connected account created", zap.String("processor_account_id", remote.ID))
	return acct, nil
}

// OnboardingLink returns the cached link while it is unexpired, otherwise a
// fresh one. Concurrent refreshes for the same account share one call.
func (s *Service) OnboardingLink(ctx context.Context, userID string, role Role, email string) (*Status, error) {
	acct, err := s.EnsureAccount(ctx, userID, role, email)
	if err != nil {
		return nil, err
	}
	if acct.OnboardingCompleted {
		return nil, errutil.Conflict("onboarding already completed", nil)
	}
	if acct.linkValid(s.now()) {
		return &Status{HasAccount: true, AccountID: acct.ProcessorAccountID, OnboardingLink: acct.OnboardingLink, LinkExpiresAt: acct.LinkExpiresAt}, nil
	}

	v, err, _ := s.links.Do(acct.ID, func() (any, error) {
		link, err := s.processor.CreateOnboardingLink(ctx, acct.ProcessorAccountID)
		if err != nil {
			return nil, err
		}
		if err := s.accounts.Update(ctx, acct.ID, map[string]any{
			"onboarding_link": link.URL,
			"link_expires_at": link.ExpiresAt,
		}); err != nil {
			return nil, err
		}
		return link, nil
	})
	if err != nil {
		zap.L().With(logFields(ctx, userID, role)...).Error("failed to refresh onboarding link", zap.Error(err))
		var pe *processor.Error
		if errors.As(err, &pe) {
			return nil, errutil.BadGateway("failed to create onboarding link", err,
				errutil.WithDetails(errutil.Detail{Field: "processor_code", Message: pe.Code}))
		}
		return nil, err
	}

	link := v.(*processor.OnboardingLink)
	return &Status{HasAccount: true, AccountID: acct.ProcessorAccountID, OnboardingLink: link.URL, LinkExpiresAt: &link.ExpiresAt}, nil
}

// MarkFromProcessor sets the onboarding flag to the processor's value.
// completedNow is true only for the write that flips it to complete.
func (s *Service) MarkFromProcessor(ctx context.Context, tx *gorm.DB, processorAccountID string, detailsSubmitted bool) (acct *ConnectedAccount, completedNow bool, err error) {
	repo := s.accounts.WithTrx(tx)

	acct, err = repo.FindOne(ctx, &ConnectedAccount{ProcessorAccountID: processorAccountID})
	if err != nil {
		return nil, false, err
	}
	if acct == nil {
		return nil, false, fmt.Errorf("connected account %s: %w", processorAccountID, gorm.ErrRecordNotFound)
	}
	if acct.OnboardingCompleted == detailsSubmitted {
		return acct, false, nil
	}

	updates := map[string]any{"onboarding_completed": detailsSubmitted}
	if detailsSubmitted {
		updates["completed_at"] = s.now()
	}

	n, err := repo.UpdateWhere(ctx, &ConnectedAccount{ID: acct.ID}, updates, func(db *gorm.DB) *gorm.DB {
		return db.Where("onboarding_completed = ?", !detailsSubmitted)
	})
	if err != nil {
		return nil, false, err
	}

	acct.OnboardingCompleted = detailsSubmitted
	return acct, n > 0 && detailsSubmitted, nil
}
