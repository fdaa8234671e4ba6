package hub

import "github.com/user/pagecast/internal/frame"

// MetaMessage is the text frame that opens every delivered revision. It is
// followed by one binary frame of Width*Height*4 RGBA bytes per entry in
// Pages, in that order.
type MetaMessage struct {
	// PageNum is the total page count the viewer should display.
	PageNum int `json:"page_num"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	// Pages lists the 1-based indices of the payloads that follow.
	Pages []int `json:"pages"`
}

func newMetaMessage(fs *frame.FrameSet, d frame.DiffResult) MetaMessage {
	w, h := fs.Dimensions()
	pages := d.Changed
	if pages == nil {
		pages = []int{}
	}
	return MetaMessage{
		PageNum: d.PageCount,
		Width:   w,
		Height:  h,
		Pages:   pages,
	}
}

// SessionInfo is a read-only view of a connected viewer.
type SessionInfo struct {
	ID          string `json:"id"`
	Remote      string `json:"remote"`
	ConnectedAt int64  `json:"connected_at"`
	Revision    string `json:"revision,omitempty"`
	Deliveries  int64  `json:"deliveries"`
	Pages       int64  `json:"pages"`
	Bytes       int64  `json:"bytes"`
	Dropped     uint64 `json:"dropped"`
}
