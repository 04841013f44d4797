// Package requirement builds and matches the set of payment offers for a
// protected resource.
//
// For one price the catalog always offers exactly two ways to pay: the
// configured credit-tab scheme and a direct on-chain "exact" transfer, on
// the same network with the same payee, asset, and amount. A v2 variant
// produces the analogous pair using the v2 network identifier and a plain
// decimal amount instead of a formatted hex integer.
package requirement

import (
	"fmt"
	"math/big"
)

// SchemeExact is the direct on-chain transfer scheme identifier.
const SchemeExact = "exact"

// Terms carries the deployment-fixed parts of every offer.
type Terms struct {
	// Scheme is the credit-tab scheme identifier (e.g. "4mica-credit").
	Scheme string
	// Network is the v1 network identifier (e.g. "polygon-amoy").
	Network string
	// NetworkV2 is the CAIP-2 network identifier (e.g. "eip155:80002").
	NetworkV2 string
	// PayTo is the payee address.
	PayTo string
	// Asset is the asset contract address; the all-zero address denotes
	// the chain's native asset.
	Asset string
}

// Requirement is one offered way to pay for a resource.
//
// MaxAmountRequired (hex) is populated on v1 offers, Amount (decimal) on
// v2 offers; the Version tag records which wire shape applies.
type Requirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired,omitempty"`
	Amount            string         `json:"amount,omitempty"`
	Resource          string         `json:"resource,omitempty"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`

	Version int `json:"-"`
}

// AmountValue returns the offered amount in whichever encoding the wire
// version uses.
func (r Requirement) AmountValue() string {
	if r.Version == 2 {
		return r.Amount
	}
	return r.MaxAmountRequired
}

// NoMatchError reports that no offered requirement matched the envelope.
// The rejected scheme and network are retained for diagnostics.
type NoMatchError struct {
	Scheme  string
	Network string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no matching payment requirements found for scheme: %s, network: %s", e.Scheme, e.Network)
}

// Build returns the v1 offer pair for one price. The credit-tab offer
// embeds the tab-issuance endpoint in its extra payload; the exact offer
// carries none.
func Build(terms Terms, price *big.Int, tabEndpoint, resource string) []Requirement {
	amount := fmt.Sprintf("%#x", price)
	return []Requirement{
		{
			Scheme:            terms.Scheme,
			Network:           terms.Network,
			MaxAmountRequired: amount,
			Resource:          resource,
			PayTo:             terms.PayTo,
			Asset:             terms.Asset,
			Extra:             map[string]any{"tabEndpoint": tabEndpoint},
			Version:           1,
		},
		{
			Scheme:            SchemeExact,
			Network:           terms.Network,
			MaxAmountRequired: amount,
			Resource:          resource,
			PayTo:             terms.PayTo,
			Asset:             terms.Asset,
			Version:           1,
		},
	}
}

// BuildV2 returns the v2 offer pair for one price, on the v2 network
// identifier with a plain decimal amount.
func BuildV2(terms Terms, price *big.Int, tabEndpoint, resource string) []Requirement {
	amount := price.String()
	return []Requirement{
		{
			Scheme:   terms.Scheme,
			Network:  terms.NetworkV2,
			Amount:   amount,
			Resource: resource,
			PayTo:    terms.PayTo,
			Asset:    terms.Asset,
			Extra:    map[string]any{"tabEndpoint": tabEndpoint},
			Version:  2,
		},
		{
			Scheme:   SchemeExact,
			Network:  terms.NetworkV2,
			Amount:   amount,
			Resource: resource,
			PayTo:    terms.PayTo,
			Asset:    terms.Asset,
			Version:  2,
		},
	}
}

// Match selects the offered requirement whose scheme, network, and wire
// version equal the envelope's. Offered sets are tiny, so a linear scan
// suffices; the catalog never generates duplicate scheme+network pairs,
// so the first structural match is the only one.
func Match(version int, scheme, network string, offered []Requirement) (*Requirement, error) {
	for i := range offered {
		r := &offered[i]
		if r.Version == version && r.Scheme == scheme && r.Network == network {
			return r, nil
		}
	}
	return nil, &NoMatchError{Scheme: scheme, Network: network}
}
