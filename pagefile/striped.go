package pagefile

import "fmt"

// StripedArray distributes pages round-robin across multiple underlying
// PageArrays, the way a single logical database can span several backing
// files for throughput. It is a pure decorator: callers see one PageArray
// addressed by a single PageID space.
type StripedArray struct {
	members []PageArray
}

// NewStripedArray wraps members, which must all share the same page size.
func NewStripedArray(members ...PageArray) (*StripedArray, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("pagefile: striped array needs at least one member")
	}
	size := members[0].PageSize()
	for _, m := range members[1:] {
		if m.PageSize() != size {
			return nil, fmt.Errorf("pagefile: striped members disagree on page size")
		}
	}
	return &StripedArray{members: members}, nil
}

func (s *StripedArray) member(id PageID) (PageArray, PageID) {
	n := uint64(len(s.members))
	return s.members[uint64(id)%n], PageID(uint64(id) / n)
}

func (s *StripedArray) PageSize() int { return s.members[0].PageSize() }

func (s *StripedArray) PageCount() (uint64, error) {
	min := ^uint64(0)
	for _, m := range s.members {
		c, err := m.PageCount()
		if err != nil {
			return 0, err
		}
		if c < min {
			min = c
		}
	}
	return min * uint64(len(s.members)), nil
}

func (s *StripedArray) Extend(count uint64) error {
	n := uint64(len(s.members))
	per := (count + n - 1) / n
	for _, m := range s.members {
		if err := m.Extend(per); err != nil {
			return err
		}
	}
	return nil
}

func (s *StripedArray) ReadPage(id PageID, buf []byte, off int) error {
	m, sub := s.member(id)
	return m.ReadPage(sub, buf, off)
}

func (s *StripedArray) ReadPartial(id PageID, start int, buf []byte, off int, length int) error {
	m, sub := s.member(id)
	return m.ReadPartial(sub, start, buf, off, length)
}

func (s *StripedArray) WritePage(id PageID, buf []byte, off int) error {
	m, sub := s.member(id)
	return m.WritePage(sub, buf, off)
}

func (s *StripedArray) WritePageDurably(id PageID, buf []byte, off int) error {
	m, sub := s.member(id)
	if dw, ok := m.(DurableWriter); ok {
		return dw.WritePageDurably(sub, buf, off)
	}
	if err := m.WritePage(sub, buf, off); err != nil {
		return err
	}
	return m.Sync(true)
}

func (s *StripedArray) Sync(metadata bool) error {
	for _, m := range s.members {
		if err := m.Sync(metadata); err != nil {
			return err
		}
	}
	return nil
}

func (s *StripedArray) Close() error {
	var first error
	for _, m := range s.members {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
