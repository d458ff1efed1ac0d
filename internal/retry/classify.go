package retry

import (
	"strings"
)

// Error classes shared by retry gating and batch error summaries.
const (
	ErrTypeValidation = "validation_error"
	ErrTypeTimeout    = "timeout_error"
	ErrTypeMemory     = "memory_error"
	ErrTypePermission = "permission_error"
	ErrTypeNetwork    = "network_error"
	ErrTypeFormat     = "format_error"
	ErrTypeUnknown    = "unknown_error"

	// Aliases reported by the extraction boundary; hard-denied for retry
	// alongside their classified counterparts.
	ErrTypeFormatNotSupported = "format_not_supported"
	ErrTypePermissionDenied   = "permission_denied"
)

// classifier rules are checked in order; first match wins.
var classifier = []struct {
	needles []string
	class   string
}{
	{[]string{"validation", "invalid", "malformed"}, ErrTypeValidation},
	{[]string{"timeout", "timed out", "deadline exceeded"}, ErrTypeTimeout},
	{[]string{"memory", "oom"}, ErrTypeMemory},
	{[]string{"permission", "forbidden", "access denied", "unauthorized"}, ErrTypePermission},
	{[]string{"network", "connection", "unreachable", "refused", "dns"}, ErrTypeNetwork},
	{[]string{"format", "unsupported", "corrupt", "decode"}, ErrTypeFormat},
}

// Classify buckets a free-text error message into one of the known error
// classes by substring matching. Unmatched messages land in unknown_error,
// which stays retry-eligible.
func Classify(message string) string {
	msg := strings.ToLower(message)
	for _, rule := range classifier {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.class
			}
		}
	}
	return ErrTypeUnknown
}
