//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension as auto-loadable. Only compiled
	// in when built with -tags sqlite_vec and cgo enabled; the default
	// pure-Go build falls back to VectorStore.recallBruteForce.
	vec.Auto()
}
