package consensus

// window is a fixed-size ring of evaluation outcomes. Not safe for
// concurrent use; the optimizer serializes access.
type window struct {
	slots   []bool
	next    int
	filled  int
	flagged int
}

func newWindow(size int) *window {
	return &window{slots: make([]bool, size)}
}

func (w *window) push(flagged bool) {
	if w.filled == len(w.slots) {
		if w.slots[w.next] {
			w.flagged--
		}
	} else {
		w.filled++
	}
	w.slots[w.next] = flagged
	if flagged {
		w.flagged++
	}
	w.next = (w.next + 1) % len(w.slots)
}

// flaggedShare returns the flagged fraction of the window, 0 when empty.
func (w *window) flaggedShare() float64 {
	if w.filled == 0 {
		return 0
	}
	return float64(w.flagged) / float64(w.filled)
}
