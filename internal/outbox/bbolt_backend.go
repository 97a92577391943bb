package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BBoltBackend stands in for spec.md's "external document store" outbox
// backend: a second, differently-shaped durable store reached through the
// same Backend interface, adopted from cuemby-warren's embedded-KV usage
// (go.etcd.io/bbolt) rather than inventing a network dependency the pack
// never shows (see DESIGN.md). Each transition is a single bbolt
// read-write transaction, giving the same atomicity guarantees as the
// sqlite backend's *sql.Tx.
type BBoltBackend struct {
	db *bolt.DB
}

var (
	rowsBucket = []byte("rows")
	metaBucket = []byte("meta")
	nextIDKey  = []byte("next_id")
)

// OpenBBoltBackend opens (and initializes) the bbolt-backed outbox store.
func OpenBBoltBackend(path string) (*BBoltBackend, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("outbox: open bbolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(rowsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: init bbolt buckets: %w", err)
	}
	return &BBoltBackend{db: db}, nil
}

func (b *BBoltBackend) Name() string { return "bbolt" }
func (b *BBoltBackend) Close() error { return b.db.Close() }

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func (b *BBoltBackend) nextIDLocked(tx *bolt.Tx) (int64, error) {
	meta := tx.Bucket(metaBucket)
	var id uint64
	if raw := meta.Get(nextIDKey); raw != nil {
		id = binary.BigEndian.Uint64(raw)
	}
	id++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	if err := meta.Put(nextIDKey, buf); err != nil {
		return 0, err
	}
	return int64(id), nil
}

func (b *BBoltBackend) Enqueue(ctx context.Context, items []EnqueueItem, coalesceTargets map[Target]bool, coalesceWindow time.Duration, forceRequeue bool) (EnqueueResult, error) {
	result := EnqueueResult{CoalescedByTarget: make(map[Target]int)}
	if len(items) == 0 {
		return result, nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucket)
		now := time.Now()

		all, err := allRows(bucket)
		if err != nil {
			return err
		}

		for _, item := range items {
			if coalesceTargets[item.Target] && coalesceWindow > 0 {
				if row, ok := mostRecentNonTerminal(all, item, now, coalesceWindow); ok {
					row.Payload = item.Payload
					row.Summary = item.Summary
					row.TopicPath = item.TopicPath
					row.TopicTags = item.TopicTags
					row.NextAttemptAt = now
					row.UpdatedAt = now
					if err := putRow(bucket, row); err != nil {
						return err
					}
					all = replaceRow(all, row)
					result.Coalesced++
					result.CoalescedByTarget[item.Target]++
					continue
				}
			}

			dedupeKey := item.EventID + ":" + string(item.Target)
			if existing, ok := findByDedupeKey(all, dedupeKey); ok {
				if forceRequeue {
					existing.Status = StatusPending
					existing.Payload = item.Payload
					existing.Summary = item.Summary
					existing.TopicPath = item.TopicPath
					existing.TopicTags = item.TopicTags
					existing.NextAttemptAt = now
					existing.UpdatedAt = now
					existing.LastError = ""
					if err := putRow(bucket, existing); err != nil {
						return err
					}
					all = replaceRow(all, existing)
					result.Requeued++
				} else {
					result.Existing++
				}
				continue
			}

			maxAttempts := item.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = 8
			}
			id, err := b.nextIDLocked(tx)
			if err != nil {
				return err
			}
			row := Row{
				ID: id, EventID: item.EventID, Target: item.Target, Project: item.Project,
				File: item.File, Summary: item.Summary, Payload: item.Payload,
				TopicPath: item.TopicPath, TopicTags: item.TopicTags, Status: StatusPending,
				MaxAttempts: maxAttempts, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
				DedupeKey: dedupeKey,
			}
			if err := putRow(bucket, row); err != nil {
				return err
			}
			all = append(all, row)
			result.Inserted++
		}
		return nil
	})
	return result, err
}

func putRow(bucket *bolt.Bucket, row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("outbox: marshal row: %w", err)
	}
	return bucket.Put(idKey(row.ID), data)
}

func allRows(bucket *bolt.Bucket) ([]Row, error) {
	var out []Row
	err := bucket.ForEach(func(_, v []byte) error {
		var r Row
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("outbox: unmarshal row: %w", err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func replaceRow(all []Row, row Row) []Row {
	for i := range all {
		if all[i].ID == row.ID {
			all[i] = row
			return all
		}
	}
	return append(all, row)
}

func findByDedupeKey(all []Row, key string) (Row, bool) {
	for _, r := range all {
		if r.DedupeKey == key {
			return r, true
		}
	}
	return Row{}, false
}

func mostRecentNonTerminal(all []Row, item EnqueueItem, now time.Time, window time.Duration) (Row, bool) {
	cutoff := now.Add(-window)
	var best Row
	found := false
	for _, r := range all {
		if r.Target != item.Target || r.Project != item.Project || r.File != item.File {
			continue
		}
		if r.Status.IsTerminal() {
			continue
		}
		if r.UpdatedAt.Before(cutoff) {
			continue
		}
		if !found || r.UpdatedAt.After(best.UpdatedAt) {
			best = r
			found = true
		}
	}
	return best, found
}

func (b *BBoltBackend) ClaimBatch(ctx context.Context, limit int, target Target, excludeTarget bool) ([]Row, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []Row
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucket)
		all, err := allRows(bucket)
		if err != nil {
			return err
		}
		now := time.Now()
		var candidates []Row
		for _, r := range all {
			if r.Status != StatusPending && r.Status != StatusRetrying {
				continue
			}
			if r.NextAttemptAt.After(now) {
				continue
			}
			if target != "" {
				if excludeTarget && r.Target == target {
					continue
				}
				if !excludeTarget && r.Target != target {
					continue
				}
			}
			candidates = append(candidates, r)
		}
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].NextAttemptAt.Equal(candidates[j].NextAttemptAt) {
				return candidates[i].NextAttemptAt.Before(candidates[j].NextAttemptAt)
			}
			return candidates[i].ID < candidates[j].ID
		})
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		for _, r := range candidates {
			r.Status = StatusRunning
			r.Attempts++
			r.LastAttemptAt = now
			r.UpdatedAt = now
			if err := putRow(bucket, r); err != nil {
				return err
			}
			claimed = append(claimed, r)
		}
		return nil
	})
	return claimed, err
}

func (b *BBoltBackend) MarkSuccess(ctx context.Context, id int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucket)
		row, ok, err := getRow(bucket, id)
		if err != nil || !ok {
			return err
		}
		now := time.Now()
		row.Status = StatusSucceeded
		row.CompletedAt = now
		row.LastError = ""
		row.UpdatedAt = now
		return putRow(bucket, row)
	})
}

func getRow(bucket *bolt.Bucket, id int64) (Row, bool, error) {
	data := bucket.Get(idKey(id))
	if data == nil {
		return Row{}, false, nil
	}
	var r Row
	if err := json.Unmarshal(data, &r); err != nil {
		return Row{}, false, fmt.Errorf("outbox: unmarshal row %d: %w", id, err)
	}
	return r, true, nil
}

func (b *BBoltBackend) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucket)
		row, ok, err := getRow(bucket, id)
		if err != nil || !ok {
			return err
		}
		now := time.Now()
		row.Status = StatusFailed
		row.CompletedAt = now
		row.LastError = truncateError(errMsg)
		row.UpdatedAt = now
		return putRow(bucket, row)
	})
}

func (b *BBoltBackend) MarkRetry(ctx context.Context, row Row, errMsg string, backoff BackoffFunc) error {
	if row.Attempts >= row.MaxAttempts {
		return b.MarkFailed(ctx, row.ID, errMsg)
	}
	now := time.Now()
	delay := backoff(row.Attempts)
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucket)
		current, ok, err := getRow(bucket, row.ID)
		if err != nil || !ok {
			return err
		}
		current.Status = StatusRetrying
		current.NextAttemptAt = now.Add(delay)
		current.LastError = truncateError(errMsg)
		current.UpdatedAt = now
		return putRow(bucket, current)
	})
}

func (b *BBoltBackend) RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int, error) {
	count := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucket)
		all, err := allRows(bucket)
		if err != nil {
			return err
		}
		now := time.Now()
		cutoff := now.Add(-maxAge)
		for _, r := range all {
			if r.Status != StatusRunning || r.LastAttemptAt.After(cutoff) {
				continue
			}
			r.Status = StatusRetrying
			r.NextAttemptAt = now
			if r.LastError == "" {
				r.LastError = "recovered from stale running"
			}
			r.UpdatedAt = now
			if err := putRow(bucket, r); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (b *BBoltBackend) Summary(ctx context.Context) (StatusSummary, error) {
	summary := StatusSummary{
		ByStatus:       make(map[Status]int),
		ByTargetStatus: make(map[Target]map[Status]int),
		Backend:        b.Name(),
		GeneratedAt:    time.Now(),
	}
	err := b.db.View(func(tx *bolt.Tx) error {
		all, err := allRows(tx.Bucket(rowsBucket))
		if err != nil {
			return err
		}
		for _, r := range all {
			summary.ByStatus[r.Status]++
			if summary.ByTargetStatus[r.Target] == nil {
				summary.ByTargetStatus[r.Target] = make(map[Status]int)
			}
			summary.ByTargetStatus[r.Target][r.Status]++
		}
		return nil
	})
	return summary, err
}

func (b *BBoltBackend) GC(ctx context.Context, succeededAge, failedAge, stalePendingAge time.Duration, staleTargets []Target) (GCResult, error) {
	start := time.Now()
	var result GCResult
	staleSet := make(map[Target]bool, len(staleTargets))
	for _, t := range staleTargets {
		staleSet[t] = true
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucket)
		all, err := allRows(bucket)
		if err != nil {
			return err
		}
		for _, r := range all {
			del := false
			switch {
			case r.Status == StatusSucceeded && start.Sub(r.UpdatedAt) >= succeededAge:
				del = true
				result.SucceededDeleted++
			case r.Status == StatusFailed && start.Sub(r.UpdatedAt) >= failedAge:
				del = true
				result.FailedDeleted++
			case staleSet[r.Target] && !r.Status.IsTerminal() && !r.LastAttemptAt.IsZero() && start.Sub(r.LastAttemptAt) >= stalePendingAge:
				del = true
				result.StaleDeleted++
			}
			if del {
				if err := bucket.Delete(idKey(r.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	result.Duration = time.Since(start)
	return result, err
}

func (b *BBoltBackend) ListDeadletter(ctx context.Context, target Target, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Row
	err := b.db.View(func(tx *bolt.Tx) error {
		all, err := allRows(tx.Bucket(rowsBucket))
		if err != nil {
			return err
		}
		for _, r := range all {
			if r.Status != StatusFailed {
				continue
			}
			if target != "" && r.Target != target {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}
