package analytics

import (
	"sync"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
)

// Summary is the running aggregate over every recorded checkout.
type Summary struct {
	TotalCheckouts int     `json:"totalCheckouts"`
	TotalRevenue   float64 `json:"totalRevenue"`
	TotalItems     int     `json:"totalItems"`
	AverageTicket  float64 `json:"averageTicket"`
}

// Snapshot is what the read model serves.
type Snapshot struct {
	Summary         Summary `json:"summary"`
	RecentCheckouts []Entry `json:"recentCheckouts"`
}

// Aggregator holds the process-local analytics state. It is written by the
// delivery handler and read by the HTTP read model.
type Aggregator struct {
	mu             sync.RWMutex
	totalCheckouts int
	totalRevenue   float64
	totalItems     int
	history        *History
}

func NewAggregator() *Aggregator {
	return &Aggregator{history: NewHistory(HistorySize)}
}

// Record adds one checkout. Absent totals count as zero.
func (a *Aggregator) Record(event *common.CheckoutEvent) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalCheckouts++
	a.totalRevenue += event.Spent()
	a.totalItems += event.Items()
	a.history.Push(Entry{
		ListID:      event.ListID,
		UserName:    event.UserName,
		TotalGasto:  event.Spent(),
		TotalItems:  event.Items(),
		CompletedAt: event.CompletedAt,
	})
	return a.summaryLocked()
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Snapshot{
		Summary:         a.summaryLocked(),
		RecentCheckouts: a.history.Entries(),
	}
}

func (a *Aggregator) summaryLocked() Summary {
	s := Summary{
		TotalCheckouts: a.totalCheckouts,
		TotalRevenue:   a.totalRevenue,
		TotalItems:     a.totalItems,
	}
	if a.totalCheckouts > 0 {
		s.AverageTicket = a.totalRevenue / float64(a.totalCheckouts)
	}
	return s
}
