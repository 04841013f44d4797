package tabcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = Key{
	Payer:     "0xpayer",
	Recipient: "0xrecipient",
	Asset:     "0xasset",
}

func tabWithTTL(start time.Time, ttlSeconds string) Tab {
	return Tab{
		TabID:            "tab-1",
		UserAddress:      testKey.Payer,
		RecipientAddress: testKey.Recipient,
		AssetAddress:     testKey.Asset,
		StartTimestamp:   start.Unix(),
		TTLSeconds:       json.Number(ttlSeconds),
	}
}

func TestGetOrIssue_SecondCallHitsCache(t *testing.T) {
	c := New(time.Hour)
	var calls int32
	issue := func(context.Context) (Tab, error) {
		atomic.AddInt32(&calls, 1)
		return tabWithTTL(time.Now(), "86400"), nil
	}

	first, err := c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)

	second, err := c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrIssue_ExpiredEntryReissues(t *testing.T) {
	c := New(time.Hour)
	base := time.Now()
	c.now = func() time.Time { return base }

	var calls int32
	issue := func(context.Context) (Tab, error) {
		atomic.AddInt32(&calls, 1)
		return tabWithTTL(base, "60"), nil
	}

	_, err := c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)

	// Past the tab's own ttl but well inside the cap.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, c.Len(), "stale entry is replaced, not accumulated")
}

func TestGetOrIssue_CapBoundsLongTTL(t *testing.T) {
	c := New(time.Hour)
	base := time.Now()
	c.now = func() time.Time { return base }

	var calls int32
	issue := func(context.Context) (Tab, error) {
		atomic.AddInt32(&calls, 1)
		return tabWithTTL(base, "86400"), nil // 24h tab ttl
	}

	_, err := c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)

	// 61 minutes later the cap has elapsed even though the tab is live.
	c.now = func() time.Time { return base.Add(61 * time.Minute) }
	_, err = c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetOrIssue_UnparsableTTLFallsBackToCap(t *testing.T) {
	c := New(time.Hour)
	base := time.Now()
	c.now = func() time.Time { return base }

	var calls int32
	issue := func(context.Context) (Tab, error) {
		atomic.AddInt32(&calls, 1)
		return tabWithTTL(base, "not-a-number"), nil
	}

	_, err := c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)

	// Still inside the cap: cache hit despite the broken ttl.
	c.now = func() time.Time { return base.Add(30 * time.Minute) }
	_, err = c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	c.now = func() time.Time { return base.Add(61 * time.Minute) }
	_, err = c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetOrIssue_IssuerErrorNotCached(t *testing.T) {
	c := New(time.Hour)
	boom := errors.New("facilitator down")

	_, err := c.GetOrIssue(context.Background(), testKey, func(context.Context) (Tab, error) {
		return Tab{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrIssue_DistinctKeysDoNotCollide(t *testing.T) {
	c := New(time.Hour)
	other := Key{Payer: "0xother", Recipient: testKey.Recipient, Asset: testKey.Asset}

	var calls int32
	issue := func(context.Context) (Tab, error) {
		atomic.AddInt32(&calls, 1)
		return tabWithTTL(time.Now(), "86400"), nil
	}

	_, err := c.GetOrIssue(context.Background(), testKey, issue)
	require.NoError(t, err)
	_, err = c.GetOrIssue(context.Background(), other, issue)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, c.Len())
}

func TestGetOrIssue_ConcurrentSameKey(t *testing.T) {
	c := New(time.Hour)
	var calls int32
	issue := func(context.Context) (Tab, error) {
		atomic.AddInt32(&calls, 1)
		return tabWithTTL(time.Now(), "86400"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrIssue(context.Background(), testKey, issue)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Redundant issuance under race is tolerated; the map must hold
	// exactly one winning entry.
	assert.Equal(t, 1, c.Len())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}
