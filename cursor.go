package duskbase

import "github.com/ryogrid/duskbase/btree"

// Cursor iterates a Tree's keys in ascending order. It is a thin facade
// over btree.Cursor's full positioning/mutation surface (see
// btree/cursor.go).
type Cursor struct {
	inner *btree.Cursor
}

func (c *Cursor) Valid() bool            { return c.inner.Valid() }
func (c *Cursor) Key() []byte            { return c.inner.Key() }
func (c *Cursor) Value() ([]byte, error) { return c.inner.Value() }
func (c *Cursor) Load() ([]byte, error)  { return c.inner.Load() }
func (c *Cursor) ValueLength() int64     { return c.inner.ValueLength() }

func (c *Cursor) Next()               { c.inner.Next() }
func (c *Cursor) Previous()           { c.inner.Previous() }
func (c *Cursor) NextLE(bound []byte) { c.inner.NextLE(bound) }
func (c *Cursor) Skip(n int)          { c.inner.Skip(n) }

func (c *Cursor) Store(value []byte) error  { return c.inner.Store(value) }
func (c *Cursor) Commit(value []byte) error { return c.inner.Commit(value) }
func (c *Cursor) ValueWrite(offset int64, data []byte) error {
	return c.inner.ValueWrite(offset, data)
}
func (c *Cursor) ValueClear() error          { return c.inner.ValueClear() }
func (c *Cursor) DeleteAll() error           { return c.inner.DeleteAll() }
func (c *Cursor) TransferTo(dst *Tree) error { return c.inner.TransferTo(dst.bt) }
func (c *Cursor) Compact()                   { c.inner.Compact() }
func (c *Cursor) Analyze() error             { return c.inner.Analyze() }
func (c *Cursor) Verify() error              { return c.inner.Verify() }

func (c *Cursor) Close() { c.inner.Close() }
