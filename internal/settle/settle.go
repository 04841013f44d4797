// Package settle orchestrates one payment settlement attempt.
//
// The orchestrator decodes the payment header, matches it against the
// offered requirements, and dispatches to a settlement strategy: the
// facilitator for credit-tab schemes, the on-chain verifier for direct
// "exact" transfers. Strategies share one narrow contract so new schemes
// slot in without touching the control flow here.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vidgate/vidgate/internal/envelope"
	"github.com/vidgate/vidgate/internal/facilitator"
	"github.com/vidgate/vidgate/internal/metrics"
	"github.com/vidgate/vidgate/internal/onchain"
	"github.com/vidgate/vidgate/internal/requirement"
)

// Outcome is the result of one settlement attempt. It is never mutated
// after construction.
type Outcome struct {
	Success     bool
	TxHash      string
	NetworkID   string
	Certificate *facilitator.Certificate
	Err         string
}

// Strategy settles one matched payment.
type Strategy interface {
	Settle(ctx context.Context, header string, env *envelope.Envelope, req *requirement.Requirement) (*Outcome, error)
}

// Recorder persists settlement attempts for audit. Implementations must
// not block settlement on persistence failures.
type Recorder interface {
	Record(ctx context.Context, env *envelope.Envelope, req *requirement.Requirement, outcome *Outcome)
}

// SettlementFailedError indicates the facilitator explicitly declined.
type SettlementFailedError struct {
	Reason string
}

func (e *SettlementFailedError) Error() string {
	return fmt.Sprintf("settlement failed: %s", e.Reason)
}

// UnsupportedSchemeError indicates a matched offer with a scheme no
// strategy can settle.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported payment scheme: %s", e.Scheme)
}

// Config fixes the orchestrator's dispatch behavior.
type Config struct {
	// Scheme is the configured credit-tab scheme identifier. An envelope
	// scheme containing it (case-insensitive) routes to the facilitator.
	Scheme string

	// StrictNative routes "exact" payments with a non-native asset to the
	// on-chain ERC-20 path instead of the facilitator.
	StrictNative bool
}

// Orchestrator drives settlement attempts. Shared state (facilitator
// client, verifier, recorder) is passed in explicitly; the orchestrator
// holds no ambient globals.
type Orchestrator struct {
	cfg         Config
	tabStrategy Strategy
	chainOnly   Strategy
	inspector   Inspector
	recorder    Recorder
	logger      *slog.Logger
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithInspector enables best-effort tab snapshot logging after credit-tab
// settlements.
func WithInspector(i Inspector) Option {
	return func(o *Orchestrator) { o.inspector = i }
}

// WithRecorder records every settlement attempt.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithStrategies overrides the settlement strategies (for testing).
func WithStrategies(tab, chain Strategy) Option {
	return func(o *Orchestrator) {
		o.tabStrategy = tab
		o.chainOnly = chain
	}
}

// New creates an orchestrator settling via the given facilitator and
// on-chain verifier.
func New(cfg Config, fc *facilitator.Client, verifier *onchain.Verifier, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: logger,
	}
	if fc != nil {
		o.tabStrategy = &FacilitatorStrategy{Client: fc}
	}
	if verifier != nil {
		o.chainOnly = &OnchainStrategy{Verifier: verifier}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Settle runs one settlement attempt for the given payment header against
// the offered requirement sets. A nil return means payment is settled and
// access may be granted; any error carries the rejection reason.
func (o *Orchestrator) Settle(ctx context.Context, header string, offeredV1, offeredV2 []requirement.Requirement) error {
	env, err := envelope.Decode(header)
	if err != nil {
		return err
	}

	// Old clients send the camelCase request-id alias; settle with the
	// canonical key in place so the facilitator sees one shape.
	if env.NormalizeReqID() {
		header, err = env.Encode()
		if err != nil {
			return err
		}
	}

	offered := make([]requirement.Requirement, 0, len(offeredV1)+len(offeredV2))
	offered = append(offered, offeredV1...)
	offered = append(offered, offeredV2...)

	matched, err := requirement.Match(env.Version, env.Scheme, env.Network, offered)
	if err != nil {
		return err
	}

	strategy, err := o.selectStrategy(env.Scheme, matched)
	if err != nil {
		return err
	}

	outcome, err := strategy.Settle(ctx, header, env, matched)
	if o.recorder != nil {
		o.recorder.Record(ctx, env, matched, recordable(outcome, err))
	}
	if err != nil {
		return err
	}

	if outcome.Certificate != nil {
		o.logger.Info("settled payment with certificate",
			"scheme", env.Scheme,
			"claims", outcome.Certificate.Claims,
		)
	}

	if o.isCreditTabScheme(env.Scheme) {
		o.snapshotTab(env)
	}

	return nil
}

func (o *Orchestrator) selectStrategy(scheme string, matched *requirement.Requirement) (Strategy, error) {
	var strategy Strategy
	switch {
	case o.isCreditTabScheme(scheme):
		strategy = o.tabStrategy
	case scheme == requirement.SchemeExact:
		if onchain.IsNativeAsset(matched.Asset) || o.cfg.StrictNative {
			strategy = o.chainOnly
		} else {
			strategy = o.tabStrategy
		}
	default:
		return nil, &UnsupportedSchemeError{Scheme: scheme}
	}
	// The scheme routed somewhere, but the orchestrator was built without
	// that backend; reject rather than dereference a nil strategy.
	if strategy == nil {
		return nil, &UnsupportedSchemeError{Scheme: scheme}
	}
	return strategy, nil
}

func (o *Orchestrator) isCreditTabScheme(scheme string) bool {
	if o.cfg.Scheme == "" {
		return false
	}
	return strings.Contains(strings.ToLower(scheme), strings.ToLower(o.cfg.Scheme))
}

// recordable flattens a strategy result into the audit record shape.
func recordable(outcome *Outcome, err error) *Outcome {
	if outcome != nil {
		return outcome
	}
	rec := &Outcome{}
	if err != nil {
		rec.Err = err.Error()
	}
	return rec
}

// FacilitatorStrategy settles through the remote facilitator.
type FacilitatorStrategy struct {
	Client *facilitator.Client
}

func (s *FacilitatorStrategy) Settle(ctx context.Context, header string, env *envelope.Envelope, req *requirement.Requirement) (*Outcome, error) {
	resp, err := s.Client.Settle(ctx, &facilitator.SettleRequest{
		X402Version:         env.Version,
		PaymentHeader:       header,
		PaymentPayload:      env.Payload,
		PaymentRequirements: *req,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return &Outcome{Err: resp.Error}, &SettlementFailedError{Reason: resp.Error}
	}
	return &Outcome{
		Success:     true,
		TxHash:      resp.TxHash,
		NetworkID:   resp.NetworkID,
		Certificate: resp.Certificate,
	}, nil
}

// OnchainStrategy settles by verifying the transfer directly against a
// blockchain node, without contacting the facilitator.
type OnchainStrategy struct {
	Verifier *onchain.Verifier
}

func (s *OnchainStrategy) Settle(ctx context.Context, _ string, env *envelope.Envelope, req *requirement.Requirement) (*Outcome, error) {
	if err := s.Verifier.VerifyPayment(ctx, env, req); err != nil {
		metrics.OnchainVerificationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.OnchainVerificationsTotal.WithLabelValues("verified").Inc()
	txHash, _ := env.ClaimAny("txHash", "tx_hash")
	return &Outcome{
		Success:   true,
		TxHash:    txHash,
		NetworkID: req.Network,
	}, nil
}
