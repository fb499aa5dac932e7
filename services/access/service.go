package access

import (
	"context"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/access")

const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (p.obj == "*" || r.obj == p.obj) && (p.act == "*" || r.act == p.act)
`

var defaultPolicies = [][]string{
	{RoleAdmin, "*", "*"},
	{RoleReviewer, ObjDeliverable, ActReview},
	{RoleFinance, ObjPayout, ActTrigger},
}

// Checker answers permission questions at request time.
type Checker interface {
	Can(ctx context.Context, userID, obj, act string) (bool, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enforcer *casbin.Enforcer

	roles repository.Repository[RoleGrant]
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p Params) (*Service, error) {
	text := p.Config.AccessControl.Model
	if text == "" {
		text = defaultModel
	}

	m, err := model.NewModelFromString(text)
	if err != nil {
		return nil, err
	}

	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	if _, err := enforcer.AddPolicies(defaultPolicies); err != nil {
		return nil, err
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		enforcer: enforcer,
		roles:    repository.ProvideStore[RoleGrant](p.DB),
	}, nil
}

func (s *Service) activeRoles(ctx context.Context, userID string) ([]string, error) {
	var roles []string
	err := s.db.WithContext(ctx).Model(&RoleGrant{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Distinct().
		Pluck("role", &roles).Error
	return roles, err
}

// Can reports whether any active role of userID allows act on obj.
func (s *Service) Can(ctx context.Context, userID, obj, act string) (bool, error) {
	if userID == "" {
		return false, nil
	}

	roles, err := s.activeRoles(ctx, userID)
	if err != nil {
		return false, err
	}

	for _, role := range roles {
		ok, err := s.enforcer.Enforce(role, obj, act)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) Grant(ctx context.Context, actorID, userID, role string) (*RoleGrant, error) {
	ctx, span := tracer.Start(ctx, "access.Service.Grant")
	defer span.End()

	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("user_id", userID),
		zap.String("role", role),
	}

	if role != RoleAdmin && role != RoleReviewer && role != RoleFinance {
		return nil, errutil.ValidationFailed("unknown role", nil, errutil.WithDetails(errutil.Detail{Field: "role", Message: role}))
	}

	existing, err := s.roles.FindOne(ctx, &RoleGrant{UserID: userID, Role: role}, func(db *gorm.DB) *gorm.DB {
		return db.Where("revoked_at IS NULL")
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	grant := &RoleGrant{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		Role:      role,
		GrantedBy: actorID,
	}
	if err := s.roles.Create(ctx, grant); err != nil {
		zap.L().With(opts...).Error("failed to grant role", zap.Error(err))
		return nil, err
	}

	zap.L().With(opts...).Info("role granted", zap.String("granted_by", actorID))
	return grant, nil
}

func (s *Service) Revoke(ctx context.Context, userID, role string) error {
	n, err := s.roles.UpdateWhere(ctx, &RoleGrant{UserID: userID, Role: role},
		map[string]any{"revoked_at": time.Now()},
		func(db *gorm.DB) *gorm.DB { return db.Where("revoked_at IS NULL") },
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errutil.NotFound("role grant not found", nil)
	}

	zap.L().Info("role revoked", zap.String("user_id", userID), zap.String("role", role))
	return nil
}
