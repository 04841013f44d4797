// Package envelope implements the x402 payment header codec.
//
// A payment header is standard base64 of a JSON object. Two wire versions
// exist: v1 carries scheme and network at the top level, v2 nests them
// under an "accepted" object. The decoder peeks the version field first
// and dispatches to the matching parser.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrBadEncoding indicates the header is not valid base64.
	ErrBadEncoding = errors.New("envelope: invalid base64 encoding")

	// ErrBadStructure indicates the decoded bytes are not the expected JSON shape.
	ErrBadStructure = errors.New("envelope: invalid payment envelope structure")
)

// Envelope is a decoded client-submitted payment proof.
//
// Scheme and Network are lifted out of the version-specific position so
// callers never need to know which wire shape the header used. The raw
// object is retained so a normalized envelope can be re-encoded without
// losing fields the decoder does not model.
type Envelope struct {
	Version int
	Scheme  string
	Network string

	// Payload holds the scheme-specific proof data. Claims live under
	// Payload["claims"] in both wire versions.
	Payload map[string]any

	raw map[string]any
}

// Decode parses a base64 payment header into an Envelope.
// Base64 failures and JSON failures are reported as distinct error kinds.
func Decode(header string) (*Envelope, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStructure, err)
	}

	version, ok := intField(raw, "x402Version")
	if !ok {
		return nil, fmt.Errorf("%w: missing x402Version", ErrBadStructure)
	}

	env := &Envelope{Version: version, raw: raw}
	if payload, ok := raw["payload"].(map[string]any); ok {
		env.Payload = payload
	}

	switch version {
	case 2:
		accepted, ok := raw["accepted"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: v2 envelope missing accepted terms", ErrBadStructure)
		}
		env.Scheme, env.Network, err = schemeNetwork(accepted)
	default:
		env.Scheme, env.Network, err = schemeNetwork(raw)
	}
	if err != nil {
		return nil, err
	}

	return env, nil
}

// Encode serializes the envelope back into a base64 payment header.
// Decoding the result yields the same structure, including any
// normalization applied since the original decode.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e.raw)
	if err != nil {
		return "", fmt.Errorf("envelope: encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// NormalizeReqID copies the camelCase request-identifier alias ("reqId")
// into the canonical "req_id" claim when the canonical key is absent.
// It reports whether the envelope was rewritten; normalizing an
// already-normalized envelope is a no-op.
func (e *Envelope) NormalizeReqID() bool {
	claims, ok := e.claims()
	if !ok {
		return false
	}
	alias, hasAlias := claims["reqId"]
	if !hasAlias {
		return false
	}
	if _, hasCanonical := claims["req_id"]; hasCanonical {
		return false
	}
	claims["req_id"] = alias
	return true
}

// Claim reads a named field from the nested claims object, coercing JSON
// numbers to their decimal text form. Missing or wrong-typed fields yield
// ok=false rather than an error.
func (e *Envelope) Claim(key string) (string, bool) {
	claims, ok := e.claims()
	if !ok {
		return "", false
	}
	switch v := claims[key].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// ClaimAny returns the first present claim among the given keys.
// Used for camelCase/snake_case alias pairs like txHash/tx_hash.
func (e *Envelope) ClaimAny(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := e.Claim(key); ok {
			return v, true
		}
	}
	return "", false
}

func (e *Envelope) claims() (map[string]any, bool) {
	if e.Payload == nil {
		return nil, false
	}
	claims, ok := e.Payload["claims"].(map[string]any)
	return claims, ok
}

func schemeNetwork(obj map[string]any) (scheme, network string, err error) {
	scheme, ok := obj["scheme"].(string)
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("%w: missing scheme", ErrBadStructure)
	}
	network, ok = obj["network"].(string)
	if !ok || network == "" {
		return "", "", fmt.Errorf("%w: missing network", ErrBadStructure)
	}
	return scheme, network, nil
}

func intField(obj map[string]any, key string) (int, bool) {
	n, ok := obj[key].(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(i), true
}
