package memory

import (
	"sync"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// Deduper flags a reference as a duplicate if its KeyFunc result has been
// seen before.
type Deduper struct {
	mu      sync.Mutex
	seen    map[string]bool
	KeyFunc func(ref *core.MessageRef) string
}

// NewDeduper builds a Deduper keyed by keyFunc.
func NewDeduper(keyFunc func(ref *core.MessageRef) string) *Deduper {
	return &Deduper{seen: make(map[string]bool), KeyFunc: keyFunc}
}

func (d *Deduper) IsDupe(ref *core.MessageRef) core.DedupeResult {
	key := d.KeyFunc(ref)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return core.DedupeResult{Dupe: true, Message: "duplicate key " + key}
	}
	d.seen[key] = true
	return core.DedupeResult{}
}
