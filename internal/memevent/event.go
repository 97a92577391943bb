// Package memevent defines the MemoryEvent data model and the pure
// transforms applied to it during ingest: path normalization, topic
// derivation, summarization, and content hashing.
package memevent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// Event is the immutable-after-creation memory write record described in
// spec.md §3.
type Event struct {
	EventID     string    `json:"event_id"`
	Project     string    `json:"project"`
	File        string    `json:"file"`
	ContentRaw  string    `json:"content_raw"`
	Summary     string    `json:"summary"`
	TopicPath   string    `json:"topic_path"`
	TopicTags   []string  `json:"topic_tags"`
	RequestID   string    `json:"request_id"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SummaryHeadTailLimit bounds Summary to a head+tail truncation when the
// source content exceeds it.
const SummaryHeadTailLimit = 280

// NormalizeFile rejects traversal and collapses repeated slashes, returning
// a clean slash-separated path with no leading slash.
func NormalizeFile(file string) (string, error) {
	if file == "" {
		return "", fmt.Errorf("file path is required")
	}
	cleaned := path.Clean(strings.ReplaceAll(file, "\\", "/"))
	if cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("file path must not contain '..': %q", file)
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("file path must not contain '..': %q", file)
	}
	return cleaned, nil
}

// DeriveTopicPath returns the explicit override if set, otherwise the
// file's parent directory segments joined by "/", defaulting to "root".
func DeriveTopicPath(file, explicit string) string {
	if explicit != "" {
		return explicit
	}
	dir := path.Dir(file)
	if dir == "." || dir == "/" || dir == "" {
		return "root"
	}
	return dir
}

// TopicTags returns every progressive prefix of a topic path, e.g.
// "a/b/c" -> ["a", "a/b", "a/b/c"].
func TopicTags(topicPath string) []string {
	if topicPath == "" || topicPath == "root" {
		return []string{"root"}
	}
	segments := strings.Split(topicPath, "/")
	tags := make([]string, 0, len(segments))
	acc := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if acc == "" {
			acc = seg
		} else {
			acc = acc + "/" + seg
		}
		tags = append(tags, acc)
	}
	if len(tags) == 0 {
		return []string{"root"}
	}
	return tags
}

// Summarize truncates content to SummaryHeadTailLimit bytes, preserving
// head and tail when it must cut, so a reader still sees the start and the
// end of a long write.
func Summarize(content string) string {
	if len(content) <= SummaryHeadTailLimit {
		return content
	}
	half := (SummaryHeadTailLimit - len(" … ")) / 2
	return content[:half] + " … " + content[len(content)-half:]
}

// ContentHash returns the hex-encoded SHA-256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// EventID derives a stable 32-hex-char id from project, file, and content,
// so repeated writes of identical content produce the same id.
func EventID(project, file, content string) string {
	sum := sha256.Sum256([]byte(project + "\x00" + file + "\x00" + content))
	return hex.EncodeToString(sum[:])[:32]
}

// DedupeKey returns the sliding-window dedup key for a (project, file,
// content) triple.
func DedupeKey(project, file, content string) string {
	return fmt.Sprintf("%s:%s:%s", project, file, ContentHash(content))
}
