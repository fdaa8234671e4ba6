package frame

// DiffResult describes what a viewer holding prev must receive to show next.
type DiffResult struct {
	// Changed lists 1-based page indices to (re)send, ascending.
	Changed []int
	// Removed lists 1-based indices that exist in prev but not in next.
	Removed []int
	// PageCount is the number of pages in next.
	PageCount int
	// Initial is set when there was no previous revision.
	Initial bool
}

// Empty reports whether a viewer already showing prev needs nothing.
func (d DiffResult) Empty() bool {
	return !d.Initial && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Diff compares two revisions. A nil prev marks every page of next changed.
func Diff(prev, next *FrameSet) DiffResult {
	res := DiffResult{
		Changed:   []int{},
		Removed:   []int{},
		PageCount: next.Len(),
		Initial:   prev == nil,
	}

	for i := 1; i <= next.Len(); i++ {
		if prev == nil || !next.Page(i).SameContent(prev.Page(i)) {
			res.Changed = append(res.Changed, i)
		}
	}
	for i := next.Len() + 1; i <= prev.Len(); i++ {
		res.Removed = append(res.Removed, i)
	}
	return res
}
