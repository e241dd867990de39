// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package flowtable maps a control link's live flow ids to their worker
// handles.
package flowtable

import (
	"sync"

	"code.hybscloud.com/portvpn/internal/protocol"
)

// Worker is whatever a flow table entry points at. Both the Server and
// Client flow workers satisfy this by exposing Deliver, the way frames
// arriving off the control link reach a flow's inbound queue.
type Worker interface {
	Deliver(frame protocol.Frame)
}

// Table is a thread-safe flow_id -> Worker map. One Table is created per
// control-link session and discarded when the session ends.
type Table struct {
	mu sync.RWMutex
	m  map[uint64]Worker
}

// New returns an empty Table.
func New() *Table {
	return &Table{m: make(map[uint64]Worker)}
}

// Insert adds id -> w. It returns false if id is already present, in which
// case the caller must treat the collision as fatal to the current
// control-link session (it means the id-minting invariant was violated).
func (t *Table) Insert(id uint64, w Worker) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.m[id]; exists {
		return false
	}
	t.m[id] = w
	return true
}

// Get looks up id.
func (t *Table) Get(id uint64) (Worker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.m[id]
	return w, ok
}

// Remove deletes id, if present.
func (t *Table) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

// Len reports the number of live flows. Soft observability only; no size
// cap is enforced.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Each calls fn for every entry currently in the table. fn must not call
// back into the Table (Insert/Remove/Get) — Each holds the read lock for its
// duration. Used by supervisors to tear down every flow when a control link
// is lost.
func (t *Table) Each(fn func(id uint64, w Worker)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, w := range t.m {
		fn(id, w)
	}
}
