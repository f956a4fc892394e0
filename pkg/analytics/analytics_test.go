package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/broker"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/consumer"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(t *testing.T, listID string, items int, spent float64) *common.CheckoutEvent {
	t.Helper()
	e, err := common.NewCheckoutEvent(listID, "List "+listID, "Ana", "ana@x.com", items, spent, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return e
}

func TestHistory_RingKeepsMostRecentFirst(t *testing.T) {
	h := NewHistory(3)
	assert.Empty(t, h.Entries())

	for i := 1; i <= 5; i++ {
		h.Push(Entry{ListID: fmt.Sprintf("L%d", i)})
	}

	assert.Equal(t, 3, h.Len())
	ids := []string{}
	for _, e := range h.Entries() {
		ids = append(ids, e.ListID)
	}
	assert.Equal(t, []string{"L5", "L4", "L3"}, ids)
}

func TestAggregator_EmptySnapshot(t *testing.T) {
	snap := NewAggregator().Snapshot()
	assert.Equal(t, Summary{}, snap.Summary)
	assert.Equal(t, 0.0, snap.Summary.AverageTicket)
	assert.NotNil(t, snap.RecentCheckouts)
	assert.Empty(t, snap.RecentCheckouts)
}

func TestAggregator_Sums(t *testing.T) {
	agg := NewAggregator()
	spent := []float64{12.5, 3, 0, 99.25, 7.75}
	items := []int{1, 4, 0, 10, 2}

	var wantRevenue float64
	var wantItems int
	for i := range spent {
		agg.Record(event(t, fmt.Sprintf("L%d", i), items[i], spent[i]))
		wantRevenue += spent[i]
		wantItems += items[i]
	}

	s := agg.Snapshot().Summary
	assert.Equal(t, len(spent), s.TotalCheckouts)
	assert.InDelta(t, wantRevenue, s.TotalRevenue, 1e-9)
	assert.Equal(t, wantItems, s.TotalItems)
	assert.InDelta(t, wantRevenue/float64(len(spent)), s.AverageTicket, 1e-9)
}

func TestAggregator_HistoryBoundedToTen(t *testing.T) {
	agg := NewAggregator()
	for i := 1; i <= 15; i++ {
		agg.Record(event(t, fmt.Sprintf("L%d", i), 1, 1))
	}

	snap := agg.Snapshot()
	require.Len(t, snap.RecentCheckouts, HistorySize)
	assert.Equal(t, "L15", snap.RecentCheckouts[0].ListID)
	assert.Equal(t, "L6", snap.RecentCheckouts[9].ListID)
	assert.Equal(t, 15, snap.Summary.TotalCheckouts)
}

func TestAggregator_AbsentTotalsCountAsZero(t *testing.T) {
	agg := NewAggregator()
	decoded, err := common.DecodeCheckoutEvent([]byte(`{"listId":"L1","userName":"Ana"}`))
	require.NoError(t, err)

	agg.Record(decoded)
	snap := agg.Snapshot()
	assert.Equal(t, 1, snap.Summary.TotalCheckouts)
	assert.Equal(t, 0.0, snap.Summary.TotalRevenue)
	assert.Equal(t, 0, snap.RecentCheckouts[0].TotalItems)
}

func TestAggregator_AverageOfTwo(t *testing.T) {
	agg := NewAggregator()
	agg.Record(event(t, "L1", 1, 10))
	summary := agg.Record(event(t, "L2", 1, 20))

	assert.Equal(t, 15.0, summary.AverageTicket)
	assert.Equal(t, summary, agg.Snapshot().Summary)
}

func TestHandler_Records(t *testing.T) {
	agg := NewAggregator()
	h := Handler(agg, logger.Nop())

	require.NoError(t, h(context.Background(), event(t, "L1", 3, 45.5)))
	assert.Error(t, h(context.Background(), nil))
	assert.Equal(t, 1, agg.Snapshot().Summary.TotalCheckouts)
}

func TestAnalytics_CheckoutThroughBroker(t *testing.T) {
	b := broker.NewMemoryBroker()
	agg := NewAggregator()

	c, err := consumer.New(consumer.Config{
		Role:           common.RoleAnalytics,
		Queue:          common.AnalyticsQueue,
		ReconnectDelay: 20 * time.Millisecond,
	}, b.Dial, Handler(agg, logger.Nop()), logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	require.Eventually(t, func() bool { return c.State() == consumer.StateConsuming }, 2*time.Second, 5*time.Millisecond)

	p := publisher.New(publisher.Config{Confirm: true}, b.Dial, logger.Nop())
	defer p.Close()

	acked, err := p.Publish(ctx, "list.checkout.completed", map[string]any{
		"listId":      "L1",
		"listName":    "Weekly",
		"userName":    "Ana",
		"userEmail":   "ana@x.com",
		"totalItems":  3,
		"totalGasto":  45.50,
		"completedAt": "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	require.True(t, acked)

	require.Eventually(t, func() bool { return agg.Snapshot().Summary.TotalCheckouts == 1 }, 2*time.Second, 5*time.Millisecond)

	snap := agg.Snapshot()
	assert.Equal(t, Summary{TotalCheckouts: 1, TotalRevenue: 45.5, TotalItems: 3, AverageTicket: 45.5}, snap.Summary)
	require.Len(t, snap.RecentCheckouts, 1)
	entry := snap.RecentCheckouts[0]
	assert.Equal(t, "L1", entry.ListID)
	assert.Equal(t, "Ana", entry.UserName)
	assert.Equal(t, 45.5, entry.TotalGasto)
	assert.Equal(t, 3, entry.TotalItems)
	assert.True(t, entry.CompletedAt.Time.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestAnalytics_LooseFieldTypesAreCounted(t *testing.T) {
	b := broker.NewMemoryBroker()
	agg := NewAggregator()

	c, err := consumer.New(consumer.Config{
		Role:           common.RoleAnalytics,
		Queue:          common.AnalyticsQueue,
		ReconnectDelay: 20 * time.Millisecond,
	}, b.Dial, Handler(agg, logger.Nop()), logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	require.Eventually(t, func() bool { return c.State() == consumer.StateConsuming }, 2*time.Second, 5*time.Millisecond)

	p := publisher.New(publisher.Config{Confirm: true}, b.Dial, logger.Nop())
	defer p.Close()

	payloads := []map[string]any{
		{"listId": 101, "userName": "Ana", "totalItems": 2, "totalGasto": 10, "completedAt": 1704067200000},
		{"listId": "L2", "userName": "Bo", "totalItems": 1, "totalGasto": 20, "completedAt": "2024-01-01 10:00:00"},
	}
	for _, payload := range payloads {
		acked, err := p.Publish(ctx, "list.checkout.completed", payload)
		require.NoError(t, err)
		require.True(t, acked)
	}

	require.Eventually(t, func() bool {
		stats, ok := b.QueueStats(common.AnalyticsQueue)
		return ok && stats.Ready == 0 && stats.Unacked == 0 && agg.Snapshot().Summary.TotalCheckouts == 2
	}, 2*time.Second, 5*time.Millisecond)

	snap := agg.Snapshot()
	assert.Equal(t, Summary{TotalCheckouts: 2, TotalRevenue: 30, TotalItems: 3, AverageTicket: 15}, snap.Summary)
	require.Len(t, snap.RecentCheckouts, 2)
	assert.Equal(t, "L2", snap.RecentCheckouts[0].ListID)
	assert.Equal(t, "2024-01-01T10:00:00Z", snap.RecentCheckouts[0].CompletedAt.String())
	assert.Equal(t, "101", snap.RecentCheckouts[1].ListID)
	assert.True(t, snap.RecentCheckouts[1].CompletedAt.Time.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}
