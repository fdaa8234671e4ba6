// Package frametest builds pages and revisions for tests.
package frametest

import (
	"fmt"

	"github.com/user/pagecast/internal/frame"
)

// Page returns a width x height page filled with a single byte value.
func Page(width, height int, fill byte) *frame.Page {
	pix := make([]byte, width*height*frame.BytesPerPixel)
	for i := range pix {
		pix[i] = fill
	}
	p, err := frame.NewPage(width, height, pix)
	if err != nil {
		panic(err)
	}
	return p
}

// Set returns a revision with one uniformly filled page per fill value.
func Set(revision string, width, height int, fills ...byte) *frame.FrameSet {
	pages := make([]*frame.Page, 0, len(fills))
	for _, f := range fills {
		pages = append(pages, Page(width, height, f))
	}
	if revision == "" {
		revision = fmt.Sprintf("rev-%x", fills)
	}
	return frame.NewFrameSet(revision, pages)
}
