package shadow

import (
	"testing"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

func level(px, sz float64) types.PriceLevel {
	return types.PriceLevel{Px: px, Sz: sz}
}

// placed returns an order old enough to clear the latency gate.
func placed(id string, side types.Side, px, qty float64) Order {
	return Order{
		OrderID:  id,
		Side:     side,
		Price:    px,
		Qty:      qty,
		PlacedAt: time.Now().Add(-time.Second),
	}
}

func TestFillAfterQueueWorksOff(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(60 * time.Millisecond)

	// 50 displayed at the bid when our BUY 5 @99 arrives.
	sim.OnBook([]types.PriceLevel{level(99, 50)}, []types.PriceLevel{level(100, 40)})
	sim.PlaceLimit(placed("o1", types.BUY, 99, 5))

	// 40 printed: queue is 50, not our turn yet.
	sim.OnTrade(99, 40, types.SELL)
	if fills := sim.TryFills(time.Now()); len(fills) != 0 {
		t.Fatalf("fills = %+v, want none before queue clears", fills)
	}

	// 20 more: 60 total beats the 50 ahead, 10 available covers our 5.
	sim.OnTrade(99, 20, types.SELL)
	fills := sim.TryFills(time.Now())
	if len(fills) != 1 {
		t.Fatalf("fills = %+v, want exactly one", fills)
	}
	f := fills[0]
	if f.OrderID != "o1" || f.Qty != 5 || f.Price != 99 {
		t.Errorf("fill = %+v, want o1 qty 5 @99", f)
	}
	if sim.OpenOrders() != 0 {
		t.Errorf("open orders = %d, want 0 after fill", sim.OpenOrders())
	}
}

func TestLatencyGateSkipsYoungOrders(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(60 * time.Millisecond)

	sim.OnBook([]types.PriceLevel{level(99, 0)}, nil)
	o := placed("o1", types.BUY, 99, 5)
	o.PlacedAt = time.Now() // too fresh
	sim.PlaceLimit(o)
	sim.OnTrade(99, 100, types.SELL)

	if fills := sim.TryFills(time.Now()); len(fills) != 0 {
		t.Fatalf("fills = %+v, want none inside the latency window", fills)
	}
	// Same volume counts once the order has aged.
	if fills := sim.TryFills(time.Now().Add(100 * time.Millisecond)); len(fills) != 1 {
		t.Fatalf("fills after latency = %d, want 1", len(fills))
	}
}

func TestAggressorSideRouting(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(0)

	// Resting SELL at 101. A BUY aggressor lifting the ask feeds it.
	sim.PlaceLimit(placed("ask", types.SELL, 101, 5))
	sim.OnTrade(101, 10, types.SELL)
	if fills := sim.TryFills(time.Now()); len(fills) != 0 {
		t.Fatalf("sell-aggressor volume must not fill a resting SELL: %+v", fills)
	}
	sim.OnTrade(101, 10, types.BUY)
	if fills := sim.TryFills(time.Now()); len(fills) != 1 {
		t.Fatal("buy-aggressor volume should fill the resting SELL")
	}
}

func TestPartialVolumeCapsFillAtAvailable(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(0)

	// No queue ahead (empty book); 3 printed against a 10-lot order.
	sim.PlaceLimit(placed("o1", types.BUY, 99, 10))
	sim.OnTrade(99, 3, types.SELL)

	fills := sim.TryFills(time.Now())
	if len(fills) != 1 || fills[0].Qty != 3 {
		t.Fatalf("fills = %+v, want partial qty 3", fills)
	}
	// The order leaves the book even though only part of it filled.
	if sim.OpenOrders() != 0 {
		t.Errorf("open orders = %d, want 0", sim.OpenOrders())
	}
}

func TestQueueAheadAccumulatesPerPlacement(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(0)

	sim.OnBook([]types.PriceLevel{level(99, 30)}, nil)
	sim.PlaceLimit(placed("o1", types.BUY, 99, 5))
	sim.PlaceLimit(placed("o2", types.BUY, 99, 5))

	// Two placements saw 30 displayed each: 60 queued ahead in total.
	sim.OnTrade(99, 59, types.SELL)
	if fills := sim.TryFills(time.Now()); len(fills) != 0 {
		t.Fatalf("fills = %+v, want none at 59 printed", fills)
	}
	sim.OnTrade(99, 11, types.SELL)
	fills := sim.TryFills(time.Now())
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want both orders", len(fills))
	}
	// Insertion order is preserved.
	if fills[0].OrderID != "o1" || fills[1].OrderID != "o2" {
		t.Errorf("fill order = %s, %s", fills[0].OrderID, fills[1].OrderID)
	}
}

func TestDisplayedSizeTolerance(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(0)

	sim.OnBook([]types.PriceLevel{level(99.0000000001, 30)}, nil)
	sim.PlaceLimit(placed("o1", types.BUY, 99, 5))

	// The 30-lot was matched despite the float drift: 30 ahead.
	sim.OnTrade(99, 30, types.SELL)
	if fills := sim.TryFills(time.Now()); len(fills) != 0 {
		t.Fatalf("fills = %+v, want none until the matched queue clears", fills)
	}
}

func TestCancelRemovesOrder(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(0)

	sim.PlaceLimit(placed("o1", types.BUY, 99, 5))
	if !sim.Cancel("o1") {
		t.Fatal("Cancel should find the resting order")
	}
	if sim.Cancel("o1") {
		t.Fatal("second Cancel should miss")
	}

	sim.OnTrade(99, 100, types.SELL)
	if fills := sim.TryFills(time.Now()); len(fills) != 0 {
		t.Fatalf("cancelled order filled: %+v", fills)
	}
}

func TestPricesTrackedIndependently(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(0)

	sim.PlaceLimit(placed("deep", types.BUY, 98, 5))
	sim.OnTrade(99, 100, types.SELL)

	// Volume at 99 is irrelevant to an order at 98.
	if fills := sim.TryFills(time.Now()); len(fills) != 0 {
		t.Fatalf("fills = %+v, want none at other prices", fills)
	}
}
