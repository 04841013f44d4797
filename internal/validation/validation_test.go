package validation

import (
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	tests := []struct {
		hash  string
		valid bool
	}{
		{"0x" + "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12", true},
		{"0x" + "AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12", true},

		// Invalid cases
		{"ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12", false}, // No 0x
		{"0xab12cd34", false}, // Too short
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidTxHash(tc.hash)
		if result != tc.valid {
			t.Errorf("IsValidTxHash(%q) = %v, want %v", tc.hash, result, tc.valid)
		}
	}
}

func TestIsSafeFilename(t *testing.T) {
	tests := []struct {
		name string
		safe bool
	}{
		{"segment-001.ts", true},
		{"intro.mp4", true},
		{"playlist.m3u8", true},
		{".hidden", true},

		// Unsafe
		{"", false},
		{".", false},
		{"..", false},
		{"../etc/passwd", false},
		{"dir/file.ts", false},
		{"dir\\file.ts", false},
		{"seg\x00ment.ts", false},
	}

	for _, tc := range tests {
		result := IsSafeFilename(tc.name)
		if result != tc.safe {
			t.Errorf("IsSafeFilename(%q) = %v, want %v", tc.name, result, tc.safe)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
	}

	for _, tc := range tests {
		result := SanitizeAddress(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeAddress(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("userAddress", "0x1234567890123456789012345678901234567890"),
		ValidAddress("userAddress", "0x1234567890123456789012345678901234567890"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("userAddress", ""),
		ValidAddress("recipientAddress", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}
