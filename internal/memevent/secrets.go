package memevent

import "regexp"

// SecretMode controls how a content scan match is handled.
type SecretMode string

const (
	SecretModeRedact SecretMode = "redact"
	SecretModeBlock  SecretMode = "block"
	SecretModeAllow  SecretMode = "allow"
)

// secretPatterns is the fixed pattern set scanned against ingest content.
// Grounded on the provider-key-prefix gates already present in the
// teacher's internal/perception/client_*.go files (each dials only after
// matching a key-shaped string for its provider); here the same shape of
// check runs defensively over arbitrary agent-authored content instead of
// over a single configured credential.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9\-]{10,}`),
	regexp.MustCompile(`api[_-]?key\s*[:=]\s*['"]?[a-zA-Z0-9_\-]{16,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]{10,}\.[a-zA-Z0-9_\-]{10,}\.[a-zA-Z0-9_\-]{10,}`), // JWT-shaped
}

const redactedPlaceholder = "[REDACTED]"

// ScanSecrets reports whether content contains any pattern from the fixed
// secret set.
func ScanSecrets(content string) bool {
	for _, p := range secretPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// ApplySecretPolicy runs the secret scan against content under mode.
// In redact mode, matches are replaced with a fixed placeholder and a
// warning is returned. In block mode, a match makes ok=false. In allow
// mode, content passes through unchanged.
func ApplySecretPolicy(content string, mode SecretMode) (out string, warnings []string, ok bool) {
	switch mode {
	case SecretModeAllow:
		return content, nil, true
	case SecretModeBlock:
		if ScanSecrets(content) {
			return content, nil, false
		}
		return content, nil, true
	default: // redact
		redacted := content
		matched := false
		for _, p := range secretPatterns {
			if p.MatchString(redacted) {
				matched = true
				redacted = p.ReplaceAllString(redacted, redactedPlaceholder)
			}
		}
		if matched {
			return redacted, []string{"secret pattern redacted"}, true
		}
		return redacted, nil, true
	}
}
