package ingest

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"memoryorch/internal/memevent"
)

// RollupEntry accumulates hot-file writes between flushes. Grounded on
// spec.md §3's RollupEntry and the teacher's reflection_worker.go
// periodic-flush-with-force-drain shape.
type RollupEntry struct {
	Project         string
	File            string
	EventsSinceFlush int
	BytesSinceFlush  int64
	LastHash         string
	LastSummary      string
	FirstSeen        time.Time
	LastSeen         time.Time
}

// RollupBuffer holds one RollupEntry per (project, file). Flush drains
// them into synthesized writes for the caller to enqueue; the buffer has
// no timer of its own.
type RollupBuffer struct {
	mu      sync.Mutex
	entries map[string]*RollupEntry
}

// NewRollupBuffer creates an empty buffer.
func NewRollupBuffer() *RollupBuffer {
	return &RollupBuffer{entries: make(map[string]*RollupEntry)}
}

func rollupKey(project, file string) string { return project + ":" + file }

// Append folds one write into the rollup entry for (project, file).
func (b *RollupBuffer) Append(project, file, contentHash, summary string, bytes int64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := rollupKey(project, file)
	e, ok := b.entries[key]
	if !ok {
		e = &RollupEntry{Project: project, File: file, FirstSeen: now}
		b.entries[key] = e
	}
	e.EventsSinceFlush++
	e.BytesSinceFlush += bytes
	e.LastHash = contentHash
	e.LastSummary = summary
	e.LastSeen = now
}

// RollupWrite is the synthesized memory write emitted for one flushed
// entry.
type RollupWrite struct {
	Project   string
	File      string // derived rollup path
	Content   string
	TopicPath string
}

// Flush drains every entry with pending events and returns the
// synthesized writes to enqueue, clearing drained entries' counters.
// Entries carry no flush interval, so force does not change the result:
// every entry with pending events is drained on each call, and entries
// without pending events never are.
func (b *RollupBuffer) Flush(force bool) []RollupWrite {
	b.mu.Lock()
	defer b.mu.Unlock()

	var writes []RollupWrite
	for key, e := range b.entries {
		if e.EventsSinceFlush == 0 {
			continue
		}
		writes = append(writes, RollupWrite{
			Project:   e.Project,
			File:      derivedRollupPath(e.File),
			Content:   renderRollupContent(e),
			TopicPath: memevent.DeriveTopicPath(e.File, ""),
		})
		e.EventsSinceFlush = 0
		e.BytesSinceFlush = 0
		_ = key
	}
	return writes
}

func derivedRollupPath(file string) string {
	dir := path.Dir(file)
	base := strings.TrimSuffix(path.Base(file), path.Ext(file))
	if dir == "." {
		return fmt.Sprintf("_rollups/%s__rollup.json", base)
	}
	return fmt.Sprintf("%s/_rollups/%s__rollup.json", dir, base)
}

func renderRollupContent(e *RollupEntry) string {
	return fmt.Sprintf(
		`{"source_file":%q,"last_hash":%q,"events":%d,"bytes":%d,"first_seen":%q,"last_seen":%q,"last_summary":%q}`,
		e.File, e.LastHash, e.EventsSinceFlush, e.BytesSinceFlush,
		e.FirstSeen.UTC().Format(time.RFC3339), e.LastSeen.UTC().Format(time.RFC3339), e.LastSummary)
}
