package termlog

import "sync"

// LogWriter appends to a TermLog from a fixed starting index, advancing
// its own high-water mark atomically. Multiple writers may coexist
// covering disjoint ranges, per spec §4.6.
type LogWriter struct {
	log *TermLog

	mu      sync.Mutex
	highest Index
}

// OpenWriter returns a LogWriter appending from index.
func (t *TermLog) OpenWriter(index Index) *LogWriter {
	return &LogWriter{log: t, highest: index}
}

// Write appends buf at the writer's current high-water mark, advancing it
// by the number of bytes actually accepted (which may be less than
// len(buf) if the write crosses endIndex, or 0 if already past it).
func (w *LogWriter) Write(buf []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.log.write(w.highest, buf)
	w.highest += Index(n)
	return n, err
}

// Highest returns the writer's current high-water mark.
func (w *LogWriter) Highest() Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highest
}
