package outbox

import "strings"

// LowValueInput is the subset of a record's attributes the classifier
// needs, shared by ingest admission control and retention sweeps.
type LowValueInput struct {
	File        string
	TopicPath   string
	SourceKind  string // e.g. "high_frequency_rollup"
	Summary     string
	Strict      bool
	LowValueSuffixes []string
	LowValuePrefixes []string
}

// churnExtensions are file types whose short summaries on rapid edits are
// treated as low-value in strict mode.
var churnExtensions = []string{".lock", ".log", ".tmp", ".cache"}

// IsLowValue implements spec.md §4.5's low-value classifier.
func IsLowValue(in LowValueInput) bool {
	for _, suffix := range in.LowValueSuffixes {
		if suffix != "" && strings.HasSuffix(in.File, suffix) {
			return true
		}
	}
	for _, prefix := range in.LowValuePrefixes {
		if prefix != "" && strings.HasPrefix(in.TopicPath, prefix) {
			return true
		}
	}
	if in.SourceKind == "high_frequency_rollup" {
		return true
	}
	if in.Strict && len(in.Summary) < 32 {
		for _, ext := range churnExtensions {
			if strings.HasSuffix(in.File, ext) {
				return true
			}
		}
	}
	return false
}
