package breaker

// window is a fixed-size ring of call outcomes. Not safe for concurrent use;
// the owning Breaker serializes access.
type window struct {
	outcomes []bool // true = failure
	next     int
	size     int
	failures int
}

func newWindow(capacity int) *window {
	return &window{outcomes: make([]bool, capacity)}
}

func (w *window) add(success bool) {
	failed := !success
	if w.size == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.size++
	}
	w.outcomes[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *window) len() int { return w.size }

func (w *window) reset() {
	clear(w.outcomes)
	w.next, w.size, w.failures = 0, 0, 0
}
