// Package receipts records a signed audit receipt for every settlement
// attempt the gateway makes.
//
// Receipts are issued regardless of outcome so operators can reconcile
// failed settlements against facilitator and chain state later. When an
// HMAC secret is configured each receipt also carries a signature that can
// be independently re-verified.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// Receipt is one recorded settlement attempt.
type Receipt struct {
	ID          string    `json:"id"`
	Scheme      string    `json:"scheme"`
	Network     string    `json:"network"`
	Payer       string    `json:"payer,omitempty"` // payer address when the envelope carries one
	PayTo       string    `json:"payTo"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"` // base units, hex for v1 offers and decimal for v2
	Resource    string    `json:"resource,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	PayloadHash string    `json:"payloadHash,omitempty"` // SHA-256 of canonical payload
	Signature   string    `json:"signature,omitempty"`   // HMAC-SHA256 signature
	IssuedAt    time.Time `json:"issuedAt,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// VerifyRequest is the input for verifying a receipt signature.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId" binding:"required"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipt data.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListByPayer(ctx context.Context, payerAddr string, limit int) ([]*Receipt, error)
	ListRecent(ctx context.Context, limit int) ([]*Receipt, error)
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	Amount  string `json:"amount"`
	Asset   string `json:"asset"`
	Network string `json:"network"`
	Payer   string `json:"payer"`
	PayTo   string `json:"payTo"`
	Scheme  string `json:"scheme"`
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
}

func payloadOf(r *Receipt) receiptPayload {
	return receiptPayload{
		Amount:  r.Amount,
		Asset:   r.Asset,
		Network: r.Network,
		Payer:   r.Payer,
		PayTo:   r.PayTo,
		Scheme:  r.Scheme,
		Success: r.Success,
		TxHash:  r.TxHash,
	}
}
