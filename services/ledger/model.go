package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type TxType string
type TxStatus string

const (
	TypePayment TxType = "payment"
	TypePayout  TxType = "payout"

	StatusProcessing TxStatus = "processing"
	StatusCompleted  TxStatus = "completed"
	StatusFailed     TxStatus = "failed"
)

// PayoutTransaction is an append-only money movement record. Rows of one
// chain (a deliverable, or a campaign for payments) are hash-linked; only
// Status and the timestamps change after insert.
type PayoutTransaction struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	Code          string         `gorm:"column:code;index" json:"code"`
	ChainKey      string         `gorm:"column:chain_key;not null;uniqueIndex:idx_payout_tx_chain_seq" json:"chain_key"`
	Seq           int64          `gorm:"column:seq;not null;uniqueIndex:idx_payout_tx_chain_seq" json:"seq"`
	Type          TxType         `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Status        TxStatus       `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Reference     string         `gorm:"column:reference;uniqueIndex;not null" json:"reference"`
	CampaignID    string         `gorm:"column:campaign_id;index" json:"campaign_id"`
	DeliverableID string         `gorm:"column:deliverable_id;index" json:"deliverable_id"`
	UserID        string         `gorm:"column:user_id" json:"user_id"`
	Amount        int64          `gorm:"column:amount;not null" json:"amount"`
	Currency      string         `gorm:"column:currency;type:varchar(3)" json:"currency"`
	PreviousHash  string         `gorm:"column:previous_hash" json:"previous_hash"`
	Hash          string         `gorm:"column:hash;not null" json:"hash"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// EntryParams describes a new transaction. Reference is the processor
// object id (intent for payments, transfer for payouts).
type EntryParams struct {
	Type          TxType
	Status        TxStatus
	Reference     string
	CampaignID    string
	DeliverableID string
	UserID        string
	Amount        int64
	Currency      string
	Metadata      datatypes.JSON
}

// ChainKey groups payouts by deliverable and payments by campaign.
func (p EntryParams) ChainKey() string {
	if p.Type == TypePayment {
		return "campaign:" + p.CampaignID
	}
	return "deliverable:" + p.DeliverableID
}

// HashFields lists the immutable columns covered by the hash.
func (m *PayoutTransaction) HashFields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"chain_key":      m.ChainKey,
		"seq":            fmt.Sprintf("%d", m.Seq),
		"type":           string(m.Type),
		"reference":      m.Reference,
		"campaign_id":    m.CampaignID,
		"deliverable_id": m.DeliverableID,
		"user_id":        m.UserID,
		"amount":         fmt.Sprintf("%d", m.Amount),
		"currency":       m.Currency,
		"created_at":     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

func (m *PayoutTransaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// GenerateTransactionCode is the fallback code when no sequence is wired.
func GenerateTransactionCode(now time.Time) (string, error) {
	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("PAY-%s-%s", now.UTC().Format("060102"), strings.ToUpper(hex.EncodeToString(r))), nil
}
