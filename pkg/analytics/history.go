package analytics

import "git.famapp.in/fampay-inc/checkoutbus/pkg/common"

// HistorySize is how many recent checkouts the read model keeps.
const HistorySize = 10

// Entry summarizes one processed checkout.
type Entry struct {
	ListID      string           `json:"listId"`
	UserName    string           `json:"userName"`
	TotalGasto  float64          `json:"totalGasto"`
	TotalItems  int              `json:"totalItems"`
	CompletedAt common.Timestamp `json:"completedAt"`
}

// History is a fixed-capacity ring. Push overwrites the oldest entry once
// full.
type History struct {
	buf  []Entry
	next int
	size int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = HistorySize
	}
	return &History{buf: make([]Entry, capacity)}
}

func (h *History) Push(e Entry) {
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

func (h *History) Len() int {
	return h.size
}

// Entries returns a copy, most recent first.
func (h *History) Entries() []Entry {
	out := make([]Entry, 0, h.size)
	for i := 1; i <= h.size; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
