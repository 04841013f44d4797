package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	// Set required env vars
	setEnv(t, "X402_PAY_TO", "0x1234567890123456789012345678901234567890")
	setEnv(t, "FACILITATOR_URL", "http://localhost:9000/facilitator/")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultScheme, cfg.Scheme)
	assert.Equal(t, DefaultNetwork, cfg.Network)
	assert.Equal(t, DefaultNetworkV2, cfg.NetworkV2)
	assert.Equal(t, DefaultAsset, cfg.Asset)
	assert.Equal(t, DefaultTabCacheCap, cfg.TabCacheCap)
	assert.Equal(t, DefaultTabRequestTTL, cfg.TabRequestTTL)
	assert.Equal(t, "http://localhost:9090", cfg.AdvertisedURL)
}

func TestLoad_MissingPayTo(t *testing.T) {
	setEnv(t, "X402_PAY_TO", "")
	setEnv(t, "FACILITATOR_URL", "http://localhost:9000/")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "X402_PAY_TO is required")
}

func TestLoad_DurationOverrides(t *testing.T) {
	setEnv(t, "X402_PAY_TO", "0x1234567890123456789012345678901234567890")
	setEnv(t, "FACILITATOR_URL", "http://localhost:9000/")
	setEnv(t, "TAB_CACHE_CAP", "30m")
	setEnv(t, "TAB_REQUEST_TTL", "12h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.TabCacheCap)
	assert.Equal(t, 12*time.Hour, cfg.TabRequestTTL)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				PayTo:          "0x1234567890123456789012345678901234567890",
				FacilitatorURL: "http://localhost:9000/",
				SegmentPrice:   "100",
			},
			wantErr: "",
		},
		{
			name: "valid config without 0x prefix",
			config: Config{
				PayTo:          "1234567890123456789012345678901234567890",
				FacilitatorURL: "http://localhost:9000/",
				SegmentPrice:   "100",
			},
			wantErr: "",
		},
		{
			name: "missing pay to",
			config: Config{
				PayTo:          "",
				FacilitatorURL: "http://localhost:9000/",
				SegmentPrice:   "100",
			},
			wantErr: "X402_PAY_TO is required",
		},
		{
			name: "invalid pay to length",
			config: Config{
				PayTo:          "0xabc123",
				FacilitatorURL: "http://localhost:9000/",
				SegmentPrice:   "100",
			},
			wantErr: "40 hex character",
		},
		{
			name: "missing facilitator URL",
			config: Config{
				PayTo:          "0x1234567890123456789012345678901234567890",
				FacilitatorURL: "",
				SegmentPrice:   "100",
			},
			wantErr: "FACILITATOR_URL is required",
		},
		{
			name: "non-numeric price",
			config: Config{
				PayTo:          "0x1234567890123456789012345678901234567890",
				FacilitatorURL: "http://localhost:9000/",
				SegmentPrice:   "0.001",
			},
			wantErr: "SEGMENT_PRICE must be a decimal integer",
		},
		{
			name: "remote media URL with bad scheme",
			config: Config{
				PayTo:          "0x1234567890123456789012345678901234567890",
				FacilitatorURL: "http://localhost:9000/",
				SegmentPrice:   "100",
				RemoteMediaURL: "ftp://media.example/",
			},
			wantErr: "REMOTE_MEDIA_URL",
		},
		{
			name: "remote media URL accepted",
			config: Config{
				PayTo:          "0x1234567890123456789012345678901234567890",
				FacilitatorURL: "http://localhost:9000/",
				SegmentPrice:   "100",
				RemoteMediaURL: "https://media.example/segments",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_INVALID", "not_a_bool")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
	assert.False(t, getEnvBool("TEST_INVALID", false)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_INVALID", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute)) // Falls back on parse error
}
