package feed

import (
	"log/slog"
	"os"
	"testing"
)

func testClient() *Client {
	return &Client{
		subscribed: make(map[string]SymbolSpec),
		updates:    make(chan BookUpdate, 8),
		errs:       make(chan error, 1),
		logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	spec := SymbolSpec{Symbol: " aapl "}.WithDefaults()
	if spec.Symbol != "AAPL" {
		t.Errorf("symbol = %q, want AAPL", spec.Symbol)
	}
	if spec.Exchange != "SMART" || spec.Currency != "USD" || spec.SecType != "STK" {
		t.Errorf("defaults = %+v, want SMART/USD/STK", spec)
	}

	custom := SymbolSpec{Symbol: "bmw", Exchange: "IBIS", Currency: "EUR"}.WithDefaults()
	if custom.Exchange != "IBIS" || custom.Currency != "EUR" || custom.SecType != "STK" {
		t.Errorf("custom spec = %+v, explicit fields must survive", custom)
	}
}

func TestDispatchBook(t *testing.T) {
	t.Parallel()
	c := testClient()

	c.dispatch([]byte(`{"type":"book","symbol":"AAPL","bid":99.5,"ask":100.5,"bidSize":30,"askSize":20,` +
		`"bids":[[99.5,30],[99.4,10]],"asks":[[100.5,20]],"last":100.0,"lastSize":5,"volume":1234}`))

	select {
	case upd := <-c.updates:
		if upd.Symbol != "AAPL" || upd.Bid != 99.5 || upd.Ask != 100.5 {
			t.Errorf("update = %+v", upd)
		}
		if len(upd.Bids) != 2 || upd.Bids[0].Px != 99.5 || upd.Bids[0].Sz != 30 {
			t.Errorf("bids = %+v", upd.Bids)
		}
		if upd.Last == nil || *upd.Last != 100.0 || upd.LastSize == nil || *upd.LastSize != 5 {
			t.Errorf("last = %v / %v, want 100/5", upd.Last, upd.LastSize)
		}
	default:
		t.Fatal("book update not delivered")
	}
}

func TestDispatchBookWithoutLast(t *testing.T) {
	t.Parallel()
	c := testClient()

	c.dispatch([]byte(`{"type":"book","symbol":"AAPL","bid":99.5,"ask":100.5}`))

	upd := <-c.updates
	if upd.Last != nil || upd.LastSize != nil {
		t.Errorf("last = %v / %v, want nil when absent", upd.Last, upd.LastSize)
	}
}

func TestDispatchIgnoresUnknownAndErrors(t *testing.T) {
	t.Parallel()
	c := testClient()

	c.dispatch([]byte(`{"type":"error","symbol":"NOPE","message":"no such instrument"}`))
	c.dispatch([]byte(`{"type":"heartbeat"}`))
	c.dispatch([]byte(`not json`))

	select {
	case upd := <-c.updates:
		t.Fatalf("unexpected update %+v", upd)
	default:
	}
}

func TestDispatchFullChannelDrops(t *testing.T) {
	t.Parallel()
	c := testClient()
	c.updates = make(chan BookUpdate, 1)

	c.dispatch([]byte(`{"type":"book","symbol":"A","bid":1,"ask":2}`))
	c.dispatch([]byte(`{"type":"book","symbol":"B","bid":1,"ask":2}`))

	first := <-c.updates
	if first.Symbol != "A" {
		t.Errorf("kept symbol = %q, want the earlier update", first.Symbol)
	}
	select {
	case upd := <-c.updates:
		t.Fatalf("second update should have been dropped, got %+v", upd)
	default:
	}
}
