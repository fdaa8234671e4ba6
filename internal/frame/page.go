// Package frame holds rasterized page revisions and computes which pages
// changed between two revisions.
package frame

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BytesPerPixel is the size of one RGBA sample.
const BytesPerPixel = 4

// Fingerprint identifies a page's content.
type Fingerprint [sha256.Size]byte

// Page is one rendered page. It is immutable once built by NewPage.
type Page struct {
	Width  int
	Height int
	Pix    []byte

	sum Fingerprint
}

// NewPage validates the buffer size and fingerprints the page.
func NewPage(width, height int, pix []byte) (*Page, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("invalid page size %dx%d", width, height)
	}
	if want := width * height * BytesPerPixel; len(pix) != want {
		return nil, fmt.Errorf("pixel buffer is %d bytes, want %d for %dx%d", len(pix), want, width, height)
	}

	h := sha256.New()
	var dims [16]byte
	binary.BigEndian.PutUint64(dims[:8], uint64(width))
	binary.BigEndian.PutUint64(dims[8:], uint64(height))
	h.Write(dims[:])
	h.Write(pix)

	p := &Page{Width: width, Height: height, Pix: pix}
	copy(p.sum[:], h.Sum(nil))
	return p, nil
}

func (p *Page) Fingerprint() Fingerprint { return p.sum }

// Size returns the payload length of the page on the wire.
func (p *Page) Size() int { return len(p.Pix) }

// SameContent reports whether two pages render identically. Matching
// fingerprints are taken as identical content.
func (p *Page) SameContent(o *Page) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	return p.Width == o.Width && p.Height == o.Height && p.sum == o.sum
}

// FrameSet is one compiled revision of the document. Page indices are
// 1-based and contiguous. A nil *FrameSet means no revision exists yet.
type FrameSet struct {
	Revision  string
	CreatedAt time.Time

	pages []*Page
}

func NewFrameSet(revision string, pages []*Page) *FrameSet {
	cp := make([]*Page, len(pages))
	copy(cp, pages)
	return &FrameSet{
		Revision:  revision,
		CreatedAt: time.Now(),
		pages:     cp,
	}
}

// Len is safe on a nil FrameSet.
func (f *FrameSet) Len() int {
	if f == nil {
		return 0
	}
	return len(f.pages)
}

// Page returns the page at the 1-based index, or nil if out of range.
func (f *FrameSet) Page(index int) *Page {
	if index < 1 || index > f.Len() {
		return nil
	}
	return f.pages[index-1]
}

func (f *FrameSet) Pages() []*Page {
	if f == nil {
		return nil
	}
	cp := make([]*Page, len(f.pages))
	copy(cp, f.pages)
	return cp
}

// Dimensions reports the size of the first page, or zero for an empty set.
func (f *FrameSet) Dimensions() (width, height int) {
	if p := f.Page(1); p != nil {
		return p.Width, p.Height
	}
	return 0, 0
}

// Bytes is the total pixel payload of every page.
func (f *FrameSet) Bytes() int64 {
	var n int64
	for _, p := range f.Pages() {
		n += int64(p.Size())
	}
	return n
}
