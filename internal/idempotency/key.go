// Package idempotency derives deduplication keys for collector events.
package idempotency

import (
	"fmt"
	"strings"
	"time"
)

// Generator builds keys of the form actor:task:kind:unixsecond[:seq].
// Two calls within the same second for the same triple yield the same key,
// so a retried send is recognized by the collector as a duplicate.
type Generator struct {
	now func() time.Time
}

// New returns a Generator backed by the wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock returns a Generator that reads time from now.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Key returns the unsequenced key for (actor, task, kind).
func (g *Generator) Key(actor, task, kind string) string {
	return fmt.Sprintf("%s:%s:%s:%d", actor, task, kind, g.clock().Unix())
}

// SequencedKey appends seq so keys stay distinct within one second.
func (g *Generator) SequencedKey(actor, task, kind string, seq int) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", actor, task, kind, g.clock().Unix(), seq)
}

func (g *Generator) clock() time.Time {
	if g == nil || g.now == nil {
		return time.Now()
	}
	return g.now()
}

// FileSafe maps a key to a string usable in a file name.
func FileSafe(key string) string {
	r := strings.NewReplacer(":", "_", "/", "_", string([]byte{0}), "_")
	return r.Replace(key)
}
