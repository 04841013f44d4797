package envelope

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeJSON(t *testing.T, raw string) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func TestDecode_V1(t *testing.T) {
	header := encodeJSON(t, `{
		"x402Version": 1,
		"scheme": "exact",
		"network": "polygon-amoy",
		"payload": {"claims": {"txHash": "0xdead"}}
	}`)

	env, err := Decode(header)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Version)
	assert.Equal(t, "exact", env.Scheme)
	assert.Equal(t, "polygon-amoy", env.Network)

	tx, ok := env.Claim("txHash")
	require.True(t, ok)
	assert.Equal(t, "0xdead", tx)
}

func TestDecode_V2AcceptedTerms(t *testing.T) {
	header := encodeJSON(t, `{
		"x402Version": 2,
		"accepted": {"scheme": "4mica-credit", "network": "eip155:80002"},
		"payload": {"claims": {"tab_id": "7"}}
	}`)

	env, err := Decode(header)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Version)
	assert.Equal(t, "4mica-credit", env.Scheme)
	assert.Equal(t, "eip155:80002", env.Network)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"not base64", "%%%not-base64%%%", ErrBadEncoding},
		{"not json", encodeJSON(t, `{{{`), ErrBadStructure},
		{"json array", encodeJSON(t, `[1,2,3]`), ErrBadStructure},
		{"missing version", encodeJSON(t, `{"scheme":"exact","network":"n1"}`), ErrBadStructure},
		{"missing scheme", encodeJSON(t, `{"x402Version":1,"network":"n1"}`), ErrBadStructure},
		{"missing network", encodeJSON(t, `{"x402Version":1,"scheme":"exact"}`), ErrBadStructure},
		{"v2 missing accepted", encodeJSON(t, `{"x402Version":2,"scheme":"exact","network":"n1"}`), ErrBadStructure},
		{"non-textual scheme", encodeJSON(t, `{"x402Version":1,"scheme":5,"network":"n1"}`), ErrBadStructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.header)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	header := encodeJSON(t, `{
		"x402Version": 1,
		"scheme": "exact",
		"network": "n1",
		"payload": {"claims": {"txHash": "0xdead", "amount": 100}}
	}`)

	env, err := Decode(header)
	require.NoError(t, err)

	reencoded, err := env.Encode()
	require.NoError(t, err)

	again, err := Decode(reencoded)
	require.NoError(t, err)
	assert.Equal(t, env.Version, again.Version)
	assert.Equal(t, env.Scheme, again.Scheme)
	assert.Equal(t, env.Network, again.Network)
	assert.Equal(t, env.Payload, again.Payload)
}

func TestNormalizeReqID(t *testing.T) {
	header := encodeJSON(t, `{
		"x402Version": 1,
		"scheme": "4mica-credit",
		"network": "n1",
		"payload": {"claims": {"reqId": "42"}}
	}`)

	env, err := Decode(header)
	require.NoError(t, err)

	require.True(t, env.NormalizeReqID())
	got, ok := env.Claim("req_id")
	require.True(t, ok)
	assert.Equal(t, "42", got)

	// Idempotent: a second pass changes nothing.
	assert.False(t, env.NormalizeReqID())

	// The rewrite survives re-encoding.
	reencoded, err := env.Encode()
	require.NoError(t, err)
	again, err := Decode(reencoded)
	require.NoError(t, err)
	got, ok = again.Claim("req_id")
	require.True(t, ok)
	assert.Equal(t, "42", got)
}

func TestNormalizeReqID_CanonicalAlreadyPresent(t *testing.T) {
	header := encodeJSON(t, `{
		"x402Version": 1,
		"scheme": "4mica-credit",
		"network": "n1",
		"payload": {"claims": {"reqId": "42", "req_id": "7"}}
	}`)

	env, err := Decode(header)
	require.NoError(t, err)

	assert.False(t, env.NormalizeReqID())
	got, _ := env.Claim("req_id")
	assert.Equal(t, "7", got, "canonical key must not be overwritten")
}

func TestClaim_Coercion(t *testing.T) {
	header := encodeJSON(t, `{
		"x402Version": 1,
		"scheme": "exact",
		"network": "n1",
		"payload": {"claims": {"amount": 1000000000000000000, "tabId": 7, "nested": {"x": 1}}}
	}`)

	env, err := Decode(header)
	require.NoError(t, err)

	amount, ok := env.Claim("amount")
	require.True(t, ok)
	assert.Equal(t, "1000000000000000000", amount)

	tab, ok := env.Claim("tabId")
	require.True(t, ok)
	assert.Equal(t, "7", tab)

	_, ok = env.Claim("missing")
	assert.False(t, ok)

	_, ok = env.Claim("nested")
	assert.False(t, ok, "object-typed claim yields absence, not an error")
}

func TestClaimAny_AliasOrder(t *testing.T) {
	header := encodeJSON(t, `{
		"x402Version": 1,
		"scheme": "exact",
		"network": "n1",
		"payload": {"claims": {"tx_hash": "0xbeef"}}
	}`)

	env, err := Decode(header)
	require.NoError(t, err)

	tx, ok := env.ClaimAny("txHash", "tx_hash")
	require.True(t, ok)
	assert.Equal(t, "0xbeef", tx)
}

func TestClaim_NoPayload(t *testing.T) {
	header := encodeJSON(t, `{"x402Version":1,"scheme":"exact","network":"n1"}`)
	env, err := Decode(header)
	require.NoError(t, err)

	_, ok := env.Claim("txHash")
	assert.False(t, ok)
	assert.False(t, env.NormalizeReqID())
}
