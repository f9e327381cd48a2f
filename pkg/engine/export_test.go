package engine

// HeldLocks reports how many lock table entries e currently holds.
func HeldLocks(e *Engine) int {
	return e.Orchestrator.locks.len()
}
