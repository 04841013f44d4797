package facilitator

import "github.com/vidgate/vidgate/internal/requirement"

// Certificate is an opaque signed proof of settlement returned by the
// facilitator for audit purposes.
type Certificate struct {
	Claims    string `json:"claims"`
	Signature string `json:"signature"`
}

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentHeader       string                  `json:"paymentHeader"`
	PaymentPayload      map[string]any          `json:"paymentPayload,omitempty"`
	PaymentRequirements requirement.Requirement `json:"paymentRequirements"`
}

// SettleRequest shares the verify wire shape.
type SettleRequest = VerifyRequest

// VerifyResponse is the facilitator's answer to POST /verify.
type VerifyResponse struct {
	IsValid       bool         `json:"isValid"`
	InvalidReason string       `json:"invalidReason,omitempty"`
	Certificate   *Certificate `json:"certificate,omitempty"`
}

// SettleResponse is the facilitator's answer to POST /settle.
type SettleResponse struct {
	Success     bool         `json:"success"`
	Error       string       `json:"error,omitempty"`
	TxHash      string       `json:"txHash,omitempty"`
	NetworkID   string       `json:"networkId,omitempty"`
	Certificate *Certificate `json:"certificate,omitempty"`
}

// SupportedKind is one scheme/network pair the facilitator can settle.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the facilitator's answer to GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// TabRequest is the body of POST /tab.
type TabRequest struct {
	UserAddress      string `json:"userAddress"`
	RecipientAddress string `json:"recipientAddress"`
	ERC20Token       string `json:"erc20Token"`
	TTLSeconds       int64  `json:"ttlSeconds,omitempty"`
}
