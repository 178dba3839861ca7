package termlog

// LogReader reads committed data from a TermLog starting at a given
// index, blocking (Read) or non-blocking (ReadAny) per spec §4.6.
type LogReader struct {
	log *TermLog
	pos Index
}

// OpenReader returns a LogReader starting at index.
func (t *TermLog) OpenReader(index Index) *LogReader {
	return &LogReader{log: t, pos: index}
}

// Read blocks until either more committed data is available at pos or
// the term finishes before reaching it (returns -1, nil).
func (r *LogReader) Read(buf []byte) (int, error) {
	t := r.log
	t.mu.Lock()
	for {
		if t.commitIndex > r.pos {
			break
		}
		if t.endIndex <= r.pos {
			t.mu.Unlock()
			return -1, nil
		}
		t.cond.Wait()
	}
	limit := t.commitIndex
	t.mu.Unlock()

	avail := limit - r.pos
	if Index(len(buf)) > avail {
		buf = buf[:avail]
	}
	n, err := t.read(r.pos, buf)
	r.pos += Index(n)
	return n, err
}

// ReadAny never blocks: it returns whatever committed, contiguous data is
// available right now starting at pos, or 0 if none.
func (r *LogReader) ReadAny(buf []byte) (int, error) {
	t := r.log
	t.mu.Lock()
	limit := t.commitIndex
	t.mu.Unlock()
	if limit <= r.pos {
		return 0, nil
	}
	avail := limit - r.pos
	if Index(len(buf)) > avail {
		buf = buf[:avail]
	}
	n, err := t.read(r.pos, buf)
	r.pos += Index(n)
	return n, err
}

// Pos returns the reader's current index.
func (r *LogReader) Pos() Index { return r.pos }
