package retry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"validation error: missing file_id", ErrTypeValidation},
		{"document is malformed", ErrTypeValidation},
		{"context deadline exceeded", ErrTypeTimeout},
		{"request timed out after 30s", ErrTypeTimeout},
		{"worker killed: OOM", ErrTypeMemory},
		{"403 Forbidden", ErrTypePermission},
		{"connection refused", ErrTypeNetwork},
		{"dns lookup failed", ErrTypeNetwork},
		{"unsupported file format", ErrTypeFormat},
		{"failed to decode pdf stream", ErrTypeFormat},
		{"something completely different", ErrTypeUnknown},
		{"", ErrTypeUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.message), "message %q", tc.message)
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// Carries both validation and network vocabulary; validation is checked
	// first.
	require.Equal(t, ErrTypeValidation, Classify("invalid response over connection"))
}
