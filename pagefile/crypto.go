package pagefile

import "crypto/cipher"

// CryptoArray is a decorator that runs every page through a stream cipher
// keyed per-page (page id folded into the nonce) before it reaches the
// underlying PageArray. Real crypto wrapper selection is explicitly out of
// duskbase's core scope (spec §1); this exists only so PageDb.open's
// optional crypto parameter has somewhere concrete to plug in for tests.
type CryptoArray struct {
	inner    PageArray
	newBlock func(pageID PageID) cipher.Stream
}

// NewCryptoArray wraps inner, deriving a fresh cipher.Stream per page via
// newBlock (typically a CTR-mode stream keyed by a secret plus the page id).
func NewCryptoArray(inner PageArray, newBlock func(PageID) cipher.Stream) *CryptoArray {
	return &CryptoArray{inner: inner, newBlock: newBlock}
}

func (c *CryptoArray) PageSize() int                  { return c.inner.PageSize() }
func (c *CryptoArray) PageCount() (uint64, error)     { return c.inner.PageCount() }
func (c *CryptoArray) Extend(count uint64) error      { return c.inner.Extend(count) }
func (c *CryptoArray) Sync(metadata bool) error       { return c.inner.Sync(metadata) }
func (c *CryptoArray) Close() error                   { return c.inner.Close() }

func (c *CryptoArray) ReadPage(id PageID, buf []byte, off int) error {
	if err := c.inner.ReadPage(id, buf, off); err != nil {
		return err
	}
	c.newBlock(id).XORKeyStream(buf[off:off+c.inner.PageSize()], buf[off:off+c.inner.PageSize()])
	return nil
}

func (c *CryptoArray) ReadPartial(id PageID, start int, buf []byte, off int, length int) error {
	full := make([]byte, c.inner.PageSize())
	if err := c.inner.ReadPage(id, full, 0); err != nil {
		return err
	}
	c.newBlock(id).XORKeyStream(full, full)
	copy(buf[off:off+length], full[start:start+length])
	return nil
}

func (c *CryptoArray) WritePage(id PageID, buf []byte, off int) error {
	size := c.inner.PageSize()
	enc := make([]byte, size)
	copy(enc, buf[off:off+size])
	c.newBlock(id).XORKeyStream(enc, enc)
	return c.inner.WritePage(id, enc, 0)
}

func (c *CryptoArray) WritePageDurably(id PageID, buf []byte, off int) error {
	size := c.inner.PageSize()
	enc := make([]byte, size)
	copy(enc, buf[off:off+size])
	c.newBlock(id).XORKeyStream(enc, enc)
	if dw, ok := c.inner.(DurableWriter); ok {
		return dw.WritePageDurably(id, enc, 0)
	}
	if err := c.inner.WritePage(id, enc, 0); err != nil {
		return err
	}
	return c.inner.Sync(true)
}
