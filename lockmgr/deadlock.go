package lockmgr

import "github.com/ryogrid/duskbase/internal/duskerr"

// wouldDeadlock traces the wait-for chain starting at blocker: if it ever
// reaches back to txn, granting this wait would close a cycle, so the
// request is refused instead of queued, per spec §4.4 ("trace the owner
// chain; if the chain cycles back to the caller, refuse"). Supplemented
// per SPEC_FULL -- no original_source survived the pack filter for this
// component, so the walk is built directly from the spec's prose contract
// rather than ported from an existing implementation. When there is no
// cycle, the txn -> blocker edge stays recorded for as long as the caller
// waits (acquire removes it once the wait ends), so that a later request
// from blocker's side can see the cycle.
func (m *Manager) wouldDeadlock(txn, blocker TxnID) (bool, error) {
	if blocker == 0 || blocker == txn {
		return false, nil
	}

	m.mu.Lock()
	m.waitsFor[txn] = blocker
	visited := map[TxnID]bool{txn: true}
	cur := blocker
	cycle := false
	for i := 0; i < len(m.waitsFor)+1; i++ {
		if cur == txn {
			cycle = true
			break
		}
		if visited[cur] {
			break
		}
		visited[cur] = true
		next, ok := m.waitsFor[cur]
		if !ok {
			break
		}
		cur = next
	}
	if cycle {
		delete(m.waitsFor, txn)
	}
	m.mu.Unlock()

	if cycle {
		return true, duskerr.ErrDeadlock
	}
	return false, nil
}
