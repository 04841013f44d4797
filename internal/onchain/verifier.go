// Package onchain verifies "exact" scheme payments directly against a
// blockchain node, without involving the facilitator.
//
// Native transfers are checked via the transaction itself (recipient and
// value); ERC-20 transfers via the receipt's Transfer event logs. Every
// gate is hard: the first failed check aborts verification with a
// specific error.
package onchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vidgate/vidgate/internal/envelope"
	"github.com/vidgate/vidgate/internal/requirement"
	"github.com/vidgate/vidgate/internal/retry"
	"github.com/vidgate/vidgate/internal/validation"
)

const zeroAddress = "0000000000000000000000000000000000000000"

// transferEventSig is the topic-0 of the standard ERC-20 Transfer event.
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var (
	// ErrMissingTxHash indicates the envelope carried no transaction hash.
	ErrMissingTxHash = errors.New("onchain: missing transaction hash for direct settlement")

	// ErrInvalidTxHash indicates the claimed transaction hash is not a
	// 32-byte 0x-prefixed hex string.
	ErrInvalidTxHash = errors.New("onchain: malformed transaction hash")

	// ErrNotFinalized indicates the transaction has no block number yet.
	// Callers may retry; this is not a permanent rejection.
	ErrNotFinalized = errors.New("onchain: transaction not yet finalized on-chain")

	// ErrReverted indicates the receipt status was not a non-zero integer.
	ErrReverted = errors.New("onchain: transaction reverted")

	// ErrRecipientMismatch indicates the transaction paid someone else.
	ErrRecipientMismatch = errors.New("onchain: transaction recipient mismatch")

	// ErrAmountBelowRequired indicates the transferred value was short.
	ErrAmountBelowRequired = errors.New("onchain: transaction value below required amount")

	// ErrTransferNotFound indicates no receipt log satisfied all the
	// ERC-20 Transfer gates.
	ErrTransferNotFound = errors.New("onchain: transfer not found in receipt logs")

	// ErrRPC indicates a JSON-RPC transport or protocol failure.
	ErrRPC = errors.New("onchain: rpc failure")
)

// Caller abstracts the JSON-RPC transport. *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Verifier inspects transactions and receipts over JSON-RPC. Failures
// are returned to the caller as-is; transient transport failures are
// retried only when WithRetry is configured.
type Verifier struct {
	rpc        Caller
	logger     *slog.Logger
	attempts   int
	retryDelay time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRetry retries transient transport failures up to attempts times
// with exponential backoff from baseDelay. RPC error responses and null
// results are never retried. The lookups are read-only, so callers that
// opt in cannot double-settle.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(v *Verifier) {
		v.attempts = attempts
		v.retryDelay = baseDelay
	}
}

// Dial connects a Verifier to a JSON-RPC endpoint.
func Dial(rpcURL string, logger *slog.Logger, opts ...Option) (*Verifier, error) {
	client, err := rpc.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrRPC, rpcURL, err)
	}
	return New(client, logger, opts...), nil
}

// New creates a Verifier on an existing transport (useful for testing).
func New(c Caller, logger *slog.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{rpc: c, logger: logger, attempts: 1}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// rpcReceipt is the subset of eth_getTransactionReceipt we inspect.
type rpcReceipt struct {
	Status      string   `json:"status"`
	BlockNumber string   `json:"blockNumber"`
	Logs        []rpcLog `json:"logs"`
}

type rpcLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// rpcTransaction is the subset of eth_getTransactionByHash we inspect.
type rpcTransaction struct {
	To    string `json:"to"`
	Value string `json:"value"`
}

// VerifyPayment checks that the transaction named in the envelope pays at
// least the required amount of the required asset to the required payee.
func (v *Verifier) VerifyPayment(ctx context.Context, env *envelope.Envelope, req *requirement.Requirement) error {
	txHash, ok := env.ClaimAny("txHash", "tx_hash")
	if !ok {
		return ErrMissingTxHash
	}
	if !validation.IsValidTxHash(txHash) {
		return fmt.Errorf("%w: %q", ErrInvalidTxHash, txHash)
	}

	receipt, err := call[rpcReceipt](ctx, v, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return err
	}
	if receipt.BlockNumber == "" {
		return ErrNotFinalized
	}
	if !isSuccessStatus(receipt.Status) {
		return ErrReverted
	}

	required, err := ParseAmount(req.AmountValue())
	if err != nil {
		return err
	}
	payTo := NormalizeAddress(req.PayTo)
	asset := NormalizeAddress(req.Asset)

	if asset == zeroAddress {
		err = v.verifyNativeTransfer(ctx, txHash, payTo, required)
	} else {
		err = verifyERC20Transfer(receipt.Logs, asset, payTo, required)
	}
	if err != nil {
		return err
	}

	v.logger.Info("on-chain payment verified",
		"tx_hash", txHash,
		"pay_to", req.PayTo,
		"asset", req.Asset,
		"amount", req.AmountValue(),
	)
	return nil
}

func (v *Verifier) verifyNativeTransfer(ctx context.Context, txHash, payTo string, required *big.Int) error {
	tx, err := call[rpcTransaction](ctx, v, "eth_getTransactionByHash", txHash)
	if err != nil {
		return err
	}
	if tx.To == "" {
		return fmt.Errorf("%w: transaction missing recipient", ErrRecipientMismatch)
	}
	if to := NormalizeAddress(tx.To); to != payTo {
		return fmt.Errorf("%w: expected %s, got %s", ErrRecipientMismatch, payTo, to)
	}

	value := tx.Value
	if value == "" {
		value = "0x0"
	}
	amount, err := ParseAmount(value)
	if err != nil {
		return err
	}
	if amount.Cmp(required) < 0 {
		return fmt.Errorf("%w: value %s below required %s", ErrAmountBelowRequired, amount, required)
	}
	return nil
}

// verifyERC20Transfer scans receipt logs for a Transfer event emitted by
// the asset contract paying the payee at least the required amount. The
// gates are strict: topic count must be at least 3 and topic-0 must be
// the exact Transfer signature, so malformed logs never match.
func verifyERC20Transfer(logs []rpcLog, asset, payTo string, required *big.Int) error {
	for _, log := range logs {
		if NormalizeAddress(log.Address) != asset {
			continue
		}
		if len(log.Topics) < 3 {
			continue
		}
		if NormalizeAddress(log.Topics[0]) != NormalizeAddress(transferEventSig.Hex()) {
			continue
		}
		recipient := NormalizeAddress(common.HexToAddress(log.Topics[2]).Hex())
		if recipient != payTo {
			continue
		}
		amount, err := ParseAmount(log.Data)
		if err != nil {
			continue
		}
		if amount.Cmp(required) >= 0 {
			return nil
		}
	}
	return ErrTransferNotFound
}

// call wraps one JSON-RPC request. An error object in the response is a
// hard failure carrying the upstream code and message; a null result is a
// hard failure distinct from a malformed response. Transport failures are
// retried only when the verifier was configured with WithRetry.
func call[T any](ctx context.Context, v *Verifier, method string, args ...any) (*T, error) {
	var result *T
	err := retry.Do(ctx, v.attempts, v.retryDelay, func() error {
		result = nil
		if err := v.rpc.CallContext(ctx, &result, method, args...); err != nil {
			var rpcErr rpc.Error
			if errors.As(err, &rpcErr) {
				return retry.Permanent(fmt.Errorf("%w: rpc error %d: %s", ErrRPC, rpcErr.ErrorCode(), rpcErr.Error()))
			}
			return fmt.Errorf("%w: rpc request failed: %v", ErrRPC, err)
		}
		if result == nil {
			return retry.Permanent(fmt.Errorf("%w: rpc %s returned no result", ErrRPC, method))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// isSuccessStatus interprets a receipt status as a non-zero integer.
func isSuccessStatus(status string) bool {
	val, err := ParseAmount(status)
	if err != nil {
		return false
	}
	return val.Sign() > 0
}

// NormalizeAddress strips any 0x prefix and lower-cases for comparison.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(addr), "0x"))
}

// IsNativeAsset reports whether the asset address denotes the chain's
// native currency (the all-zero address).
func IsNativeAsset(asset string) bool {
	return NormalizeAddress(asset) == zeroAddress
}

// ParseAmount parses an unsigned integer from hex ("0x...") or decimal
// text.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("onchain: empty numeric value")
	}
	if stripped, ok := strings.CutPrefix(trimmed, "0x"); ok {
		val, ok := new(big.Int).SetString(stripped, 16)
		if !ok {
			return nil, fmt.Errorf("onchain: invalid hex value %q", trimmed)
		}
		return val, nil
	}
	val, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("onchain: invalid decimal value %q", trimmed)
	}
	return val, nil
}
