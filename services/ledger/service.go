package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/db/option"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"
	"github.com/TroodieTeam/troodie-sub002/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/ledger")

var ErrChainBroken = errors.New("ledger: hash chain broken")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator
	now  func() time.Time

	ledger repository.Repository[PayoutTransaction]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		seq:    p.Seq,
		now:    time.Now,
		ledger: repository.ProvideStore[PayoutTransaction](p.DB),
	}
}

func (s *Service) getLastEntry(ctx context.Context, tx *gorm.DB, chainKey string) (*PayoutTransaction, error) {
	return s.ledger.WithTrx(tx).FindOne(ctx, &PayoutTransaction{ChainKey: chainKey},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "seq",
			OrderBy: "desc",
			Allow:   map[string]bool{"seq": true},
		}),
		option.WithLockingUpdate(),
	)
}

// Append links a new transaction onto its chain. A second append for the
// same processor reference returns the existing row.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, p EntryParams) (*PayoutTransaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.Service.Append")
	defer span.End()

	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("type", string(p.Type)),
		zap.String("reference", p.Reference),
	}

	if p.Reference == "" {
		return nil, errutil.BadRequest("reference is required", nil)
	}
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be positive", nil)
	}

	if tx == nil {
		var out *PayoutTransaction
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			out, err = s.Append(ctx, tx, p)
			return err
		})
		return out, err
	}

	if exist, err := s.ledger.WithTrx(tx).FindOne(ctx, &PayoutTransaction{Reference: p.Reference}); err != nil {
		return nil, err
	} else if exist != nil {
		zap.L().With(opts...).Info("transaction already recorded", zap.String("transaction_id", exist.ID))
		return exist, nil
	}

	chainKey := p.ChainKey()
	last, err := s.getLastEntry(ctx, tx, chainKey)
	if err != nil {
		zap.L().With(opts...).Error("failed to read chain head", zap.Error(err))
		return nil, err
	}

	status := p.Status
	if status == "" {
		status = StatusProcessing
	}

	entry := &PayoutTransaction{
		ID:            s.node.Generate().String(),
		ChainKey:      chainKey,
		Seq:           1,
		Type:          p.Type,
		Status:        status,
		Reference:     p.Reference,
		CampaignID:    p.CampaignID,
		DeliverableID: p.DeliverableID,
		UserID:        p.UserID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Metadata:      p.Metadata,
		CreatedAt:     s.now().UTC().Truncate(time.Microsecond),
	}
	if last != nil {
		entry.Seq = last.Seq + 1
		entry.PreviousHash = last.Hash
	}
	if status == StatusCompleted {
		completed := entry.CreatedAt
		entry.CompletedAt = &completed
	}

	entry.Code, err = s.nextCode(ctx)
	if err != nil {
		return nil, err
	}
	entry.Hash = entry.GenerateHash()

	if err := s.ledger.WithTrx(tx).Create(ctx, entry); err != nil {
		zap.L().With(opts...).Error("failed to append transaction", zap.Error(err))
		return nil, err
	}

	zap.L().With(opts...).Info("transaction appended", zap.String("transaction_id", entry.ID), zap.Int64("seq", entry.Seq))
	return entry, nil
}

func (s *Service) nextCode(ctx context.Context) (string, error) {
	if s.seq != nil {
		code, err := s.seq.NextPayoutCode(ctx)
		if err == nil {
			return code, nil
		}
		zap.L().Warn("failed to allocate payout code, falling back", zap.Error(err))
	}
	return GenerateTransactionCode(s.now())
}

// SetStatus moves a processing transaction to a final status. It reports
// false when the transaction was already final or does not exist.
func (s *Service) SetStatus(ctx context.Context, tx *gorm.DB, reference string, status TxStatus) (bool, error) {
	updates := map[string]any{"status": status}
	if status == StatusCompleted {
		updates["completed_at"] = s.now().UTC()
	}

	n, err := s.ledger.WithTrx(tx).UpdateWhere(ctx, &PayoutTransaction{Reference: reference, Status: StatusProcessing}, updates)
	return n > 0, err
}

// HasProcessing reports whether a payout for the deliverable is in flight.
func (s *Service) HasProcessing(ctx context.Context, tx *gorm.DB, deliverableID string) (bool, error) {
	n, err := s.ledger.WithTrx(tx).Count(ctx, &PayoutTransaction{
		DeliverableID: deliverableID,
		Type:          TypePayout,
		Status:        StatusProcessing,
	})
	return n > 0, err
}

func (s *Service) FindByReference(ctx context.Context, tx *gorm.DB, reference string) (*PayoutTransaction, error) {
	return s.ledger.WithTrx(tx).FindOne(ctx, &PayoutTransaction{Reference: reference})
}

// List returns the transactions of one chain in append order.
func (s *Service) List(ctx context.Context, tx *gorm.DB, query *PayoutTransaction) ([]*PayoutTransaction, error) {
	return s.ledger.WithTrx(tx).Find(ctx, query, option.WithSortBy(option.QuerySortBy{
		SortBy:  "seq",
		OrderBy: "asc",
		Allow:   map[string]bool{"seq": true},
	}))
}

// VerifyChain recomputes every hash of a chain and checks the links.
func (s *Service) VerifyChain(ctx context.Context, chainKey string) error {
	entries, err := s.List(ctx, nil, &PayoutTransaction{ChainKey: chainKey})
	if err != nil {
		return err
	}

	prev := ""
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("%w: %s seq %d at position %d", ErrChainBroken, chainKey, e.Seq, i+1)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: %s seq %d previous hash mismatch", ErrChainBroken, chainKey, e.Seq)
		}
		if e.GenerateHash() != e.Hash {
			return fmt.Errorf("%w: %s seq %d hash mismatch", ErrChainBroken, chainKey, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

// DeliverableChain is the chain key of a deliverable's payouts.
func DeliverableChain(deliverableID string) string {
	return EntryParams{Type: TypePayout, DeliverableID: deliverableID}.ChainKey()
}

// CampaignChain is the chain key of a campaign's payments.
func CampaignChain(campaignID string) string {
	return EntryParams{Type: TypePayment, CampaignID: campaignID}.ChainKey()
}
