package generator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/risk"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
)

func push(symbol string, price float64) broker.PushQuote {
	return broker.PushQuote{Symbol: symbol, LastDone: decimal.NewFromFloat(price)}
}

func TestPushFeedsVolatilityMonitor(t *testing.T) {
	vixy := risk.NewVixyMonitor(config.VixyConfig{Symbol: "VIXY.US", PanicThreshold: 25}, nil, nil, nil, zerolog.Nop())
	rig := newGenRig(nil, nil, func(d *Deps) { d.Vixy = vixy })

	rig.svc.handlePush(push("VIXY.US", 30))

	if !vixy.InPanic() {
		t.Fatal("breach quote did not arm the breaker")
	}
	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, the breaker proxy must not trade", n)
	}
	if c := rig.counters(); c.PushEvents != 1 {
		t.Fatalf("push events = %d, want 1", c.PushEvents)
	}

	rig.svc.handlePush(push("VIXY.US", 20))
	if vixy.InPanic() {
		t.Fatal("breaker stayed armed after the price came back")
	}
}

func TestPushReevaluatesHeldExit(t *testing.T) {
	rig := newGenRig(gradualConfig(), nil, nil)
	rig.klines.bySymbol["AAPL.US"] = flatCandles(40)
	rig.hold(position("AAPL.US", 100, 100, 105))

	rig.svc.handlePush(push("AAPL.US", 100))

	sig := lastPublished(t, rig.queue)
	if sig.Type != signal.TypeGradualExit || sig.Quantity != 25 {
		t.Fatalf("signal = %s qty %d, want GRADUAL_EXIT qty 25", sig.Type, sig.Quantity)
	}
	if sig.Price != 100 {
		t.Fatalf("price = %v, want the pushed quote", sig.Price)
	}

	// A second tick right behind the first is spaced out.
	rig.svc.handlePush(push("AAPL.US", 99.5))
	if n := publishedCount(rig.queue); n != 1 {
		t.Fatalf("published = %d after back-to-back pushes, want 1", n)
	}

	// Past the spacing the observation window holds the remainder.
	rig.tick(2 * time.Minute)
	rig.svc.handlePush(push("AAPL.US", 99))
	if n := publishedCount(rig.queue); n != 1 {
		t.Fatalf("published = %d inside the observation window, want 1", n)
	}
}

func TestPushExpeditesWatchlistEntry(t *testing.T) {
	rig := newGenRig(nil, []string{"AAPL.US"}, nil)
	rig.klines.bySymbol["AAPL.US"] = buyDipCandles()

	rig.svc.handlePush(push("AAPL.US", 90.5))

	sig := lastPublished(t, rig.queue)
	if sig.Type != signal.TypeStrongBuy || sig.Price != 90.5 {
		t.Fatalf("signal = %s at %v, want STRONG_BUY at 90.5", sig.Type, sig.Price)
	}

	rig.svc.handlePush(push("AAPL.US", 90.4))
	if n := publishedCount(rig.queue); n != 1 {
		t.Fatalf("published = %d after back-to-back pushes, want 1", n)
	}
}

func TestPushIgnoresClosedMarket(t *testing.T) {
	rig := newGenRig(nil, []string{"AAPL.US"}, nil)
	rig.klines.bySymbol["AAPL.US"] = buyDipCandles()
	rig.hours.closed = map[string]bool{"AAPL.US": true}

	rig.svc.handlePush(push("AAPL.US", 90.5))

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d on a closed market, want 0", n)
	}
	if c := rig.counters(); c.PushEvents != 1 {
		t.Fatalf("push events = %d, want the push still counted", c.PushEvents)
	}
}

func TestPushIgnoresUnknownSymbol(t *testing.T) {
	rig := newGenRig(nil, []string{"AAPL.US"}, nil)
	rig.klines.bySymbol["MSFT.US"] = buyDipCandles()

	rig.svc.handlePush(push("MSFT.US", 90.5))

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d for a symbol outside the book, want 0", n)
	}
}
