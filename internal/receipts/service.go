package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vidgate/vidgate/internal/envelope"
	"github.com/vidgate/vidgate/internal/idgen"
	"github.com/vidgate/vidgate/internal/requirement"
	"github.com/vidgate/vidgate/internal/settle"
)

// Service implements receipt business logic and acts as the settlement
// recorder. Persistence failures are logged, never surfaced, so a lost
// receipt cannot fail a settlement.
type Service struct {
	store  Store
	signer *Signer
	logger *slog.Logger
}

// NewService creates a new receipt service.
// If signer is nil, receipts are stored unsigned.
func NewService(store Store, signer *Signer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		signer: signer,
		logger: logger,
	}
}

// Record implements settle.Recorder.
func (s *Service) Record(ctx context.Context, env *envelope.Envelope, req *requirement.Requirement, outcome *settle.Outcome) {
	if s == nil {
		return
	}

	r := &Receipt{
		ID:        idgen.WithPrefix("rcpt_"),
		CreatedAt: time.Now().UTC(),
	}
	if env != nil {
		r.Scheme = env.Scheme
		r.Network = env.Network
		if payer, ok := env.ClaimAny("userAddress", "user_address", "from", "payer"); ok {
			r.Payer = strings.ToLower(payer)
		}
	}
	if req != nil {
		r.PayTo = strings.ToLower(req.PayTo)
		r.Asset = strings.ToLower(req.Asset)
		r.Amount = req.AmountValue()
		r.Resource = req.Resource
	}
	if outcome != nil {
		r.Success = outcome.Success
		r.TxHash = outcome.TxHash
		r.Error = outcome.Err
	}

	if err := s.sign(r); err != nil {
		s.logger.Error("failed to sign settlement receipt",
			"receipt_id", r.ID, "error", err)
	}

	if err := s.store.Create(ctx, r); err != nil {
		s.logger.Error("failed to persist settlement receipt",
			"receipt_id", r.ID,
			"scheme", r.Scheme,
			"success", r.Success,
			"error", err)
	}
}

// sign fills the hash and signature fields when signing is enabled.
func (s *Service) sign(r *Receipt) error {
	payload := payloadOf(r)

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("receipts: failed to marshal payload: %w", err)
	}
	hash := sha256.Sum256(data)
	r.PayloadHash = fmt.Sprintf("%x", hash)

	if s.signer == nil {
		return nil
	}

	sig, issuedAtStr, expiresAtStr, err := s.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("receipts: failed to sign: %w", err)
	}
	r.Signature = sig
	r.IssuedAt, _ = time.Parse(time.RFC3339, issuedAtStr)
	r.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAtStr)
	return nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByPayer returns receipts recorded for a payer address.
func (s *Service) ListByPayer(ctx context.Context, payerAddr string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByPayer(ctx, strings.ToLower(payerAddr), limit)
}

// Recent returns the most recently recorded receipts.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListRecent(ctx, limit)
}

// Verify checks whether a receipt's signature is valid.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if s.signer == nil {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrSigningDisabled.Error(),
		}, nil
	}

	receipt, err := s.store.Get(ctx, receiptID)
	if err != nil {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrReceiptNotFound.Error(),
		}, nil
	}

	valid := s.signer.Verify(payloadOf(receipt), receipt.Signature)

	resp := &VerifyResponse{
		Valid:     valid,
		ReceiptID: receiptID,
	}

	if valid && time.Now().After(receipt.ExpiresAt) {
		resp.Expired = true
	}

	if !valid {
		resp.Error = "signature verification failed"
	}

	return resp, nil
}

var _ settle.Recorder = (*Service)(nil)
