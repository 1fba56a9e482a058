package generator

import (
	"strings"
	"testing"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

// fadeWeakness computes the weakness the sweep will see for a fadeDrop
// holding bought at cost, so tests pin their fixtures to the bands they
// assume.
func fadeWeakness(t *testing.T, cost float64) float64 {
	t.Helper()
	ind, err := market.ComputeIndicators(fadeDropCandles())
	if err != nil {
		t.Fatalf("fixture indicators: %v", err)
	}
	profitPct := (ind.Close - cost) / cost * 100
	return strategy.WeaknessFromIndicators(ind, profitPct, 0)
}

func TestPreCloseRotationSellsWeakestFirst(t *testing.T) {
	mild := fadeWeakness(t, 105)
	deep := fadeWeakness(t, 200)
	if mild < preCloseWeakness || deep <= mild {
		t.Fatalf("fixture weakness = %.1f / %.1f, want both rotatable and ordered", mild, deep)
	}

	newRotationRig := func(maxSells int) *genRig {
		cfg := &config.Config{}
		cfg.Rotation.MaxSellsPerRun = maxSells
		rig := newGenRig(cfg, nil, nil)
		rig.klines.bySymbol["WEAK1.US"] = fadeDropCandles()
		rig.klines.bySymbol["WEAK2.US"] = fadeDropCandles()
		rig.klines.bySymbol["STRONG.US"] = riserCandles()
		rig.hold(position("WEAK1.US", 100, 100, 105))
		rig.hold(position("WEAK2.US", 100, 100, 200))
		rig.hold(position("STRONG.US", 100, 100, 1))
		rig.hours.preClose = map[broker.Market]bool{broker.MarketUS: true}
		return rig
	}

	t.Run("cap of one takes only the weakest", func(t *testing.T) {
		rig := newRotationRig(1)

		rig.svc.rotationSweep()

		if n := publishedCount(rig.queue); n != 1 {
			t.Fatalf("published = %d, want 1", n)
		}
		sig := lastPublished(t, rig.queue)
		if sig.Type != signal.TypeRotationSell || sig.Symbol != "WEAK2.US" {
			t.Fatalf("signal = %s %s, want ROTATION_SELL WEAK2.US", sig.Type, sig.Symbol)
		}
		if sig.Quantity != 100 {
			t.Fatalf("quantity = %d, want the whole position", sig.Quantity)
		}
		if sig.Reason != "pre-close weakness" {
			t.Fatalf("reason = %q", sig.Reason)
		}
		if c := rig.counters(); c.Rotations != 1 {
			t.Fatalf("rotations = %d, want 1", c.Rotations)
		}
	})

	t.Run("cap of two takes both weak holdings in order", func(t *testing.T) {
		rig := newRotationRig(2)

		rig.svc.rotationSweep()

		rig.queue.mu.Lock()
		defer rig.queue.mu.Unlock()
		if len(rig.queue.published) != 2 {
			t.Fatalf("published = %d, want 2", len(rig.queue.published))
		}
		if rig.queue.published[0].Symbol != "WEAK2.US" || rig.queue.published[1].Symbol != "WEAK1.US" {
			t.Fatalf("order = [%s %s], want weakest first",
				rig.queue.published[0].Symbol, rig.queue.published[1].Symbol)
		}
	})
}

func TestPreCloseRotationScopedToClosingMarket(t *testing.T) {
	t.Run("other markets keep their holdings", func(t *testing.T) {
		rig := newGenRig(nil, nil, nil)
		rig.klines.bySymbol["0700.HK"] = fadeDropCandles()
		rig.hold(position("0700.HK", 500, 500, 200))
		rig.hours.preClose = map[broker.Market]bool{broker.MarketUS: true}

		rig.svc.rotationSweep()

		if n := publishedCount(rig.queue); n != 0 {
			t.Fatalf("published = %d, want 0 outside the closing market", n)
		}
	})

	t.Run("sweep idles when no session is active", func(t *testing.T) {
		rig := newGenRig(nil, nil, nil)
		rig.klines.bySymbol["WEAK2.US"] = fadeDropCandles()
		rig.hold(position("WEAK2.US", 100, 100, 200))
		rig.hours.preClose = map[broker.Market]bool{broker.MarketUS: true}
		rig.hours.inactive = true

		rig.svc.rotationSweep()

		if n := publishedCount(rig.queue); n != 0 {
			t.Fatalf("published = %d overnight, want 0", n)
		}
	})
}

func TestPreCloseRotationSkipsHealthyHoldings(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["STRONG.US"] = riserCandles()
	rig.hold(position("STRONG.US", 100, 100, 1))
	rig.hours.preClose = map[broker.Market]bool{broker.MarketUS: true}

	rig.svc.rotationSweep()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, healthy holdings must survive the close", n)
	}
}

func TestStuckBuyRecoveryRotatesAVictim(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["VICTIM.US"] = fadeDropCandles()
	rig.hold(position("VICTIM.US", 100, 100, 105))

	stuck := signal.New(testAccount, "NEW.US", signal.TypeStrongBuy, 80)
	rig.queue.delayed = []*signal.Signal{stuck}

	rig.svc.rotationSweep()

	sig := lastPublished(t, rig.queue)
	if sig.Type != signal.TypeRotationSell || sig.Symbol != "VICTIM.US" {
		t.Fatalf("signal = %s %s, want ROTATION_SELL VICTIM.US", sig.Type, sig.Symbol)
	}
	if !strings.Contains(sig.Reason, "NEW.US") {
		t.Fatalf("reason = %q, want the stuck symbol named", sig.Reason)
	}
	if len(rig.queue.woken) != 1 || rig.queue.woken[0].ID != stuck.ID {
		t.Fatalf("woken = %d, want the stuck buy requeued", len(rig.queue.woken))
	}
	if c := rig.counters(); c.Recovered != 1 {
		t.Fatalf("recovered = %d, want 1", c.Recovered)
	}

	// The rescue attempt is spent; the next sweep must not sell again.
	rig.svc.rotationSweep()
	if n := publishedCount(rig.queue); n != 1 {
		t.Fatalf("published = %d after a second sweep, want still 1", n)
	}
}

func TestStuckBuyFromFailedSetIsRecovered(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["VICTIM.US"] = fadeDropCandles()
	rig.hold(position("VICTIM.US", 100, 100, 105))

	stuck := signal.New(testAccount, "NEW.US", signal.TypeStrongBuy, 80)
	rig.queue.failed = []*signal.Signal{stuck}

	rig.svc.rotationSweep()

	if len(rig.queue.recovered) != 1 || rig.queue.recovered[0].ID != stuck.ID {
		t.Fatalf("recovered = %d, want the failed buy moved back", len(rig.queue.recovered))
	}
	if len(rig.queue.woken) != 0 {
		t.Fatal("failed signals must not take the delayed wake path")
	}
}

func TestStuckBuyAlreadyHeldIsDropped(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["NEW.US"] = riserCandles()
	rig.hold(position("NEW.US", 100, 100, 1))

	stuck := signal.New(testAccount, "NEW.US", signal.TypeStrongBuy, 80)
	rig.queue.delayed = []*signal.Signal{stuck}

	rig.svc.rotationSweep()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, want 0 for an already-held buy", n)
	}
	if len(rig.queue.woken) != 0 {
		t.Fatal("an already-held buy must stay parked")
	}
	if _, spent := rig.svc.claims[stuck.ID]; !spent {
		t.Fatal("rescue attempt not spent")
	}
}

func TestStuckBuyWithoutWeakEnoughVictim(t *testing.T) {
	deep := fadeWeakness(t, 200)

	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["VICTIM.US"] = fadeDropCandles()
	rig.hold(position("VICTIM.US", 100, 100, 200))

	// Score equals the victim's weakness, so the policy gap is not met.
	stuck := signal.New(testAccount, "NEW.US", signal.TypeStrongBuy, deep)
	rig.queue.delayed = []*signal.Signal{stuck}

	rig.svc.rotationSweep()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, want no sale without the score gap", n)
	}
	if len(rig.queue.woken) != 0 {
		t.Fatal("stuck buy woken without funding")
	}
	if _, spent := rig.svc.claims[stuck.ID]; !spent {
		t.Fatal("rescue attempt not spent")
	}
}

func TestStuckRecoveryIgnoresSells(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["VICTIM.US"] = fadeDropCandles()
	rig.hold(position("VICTIM.US", 100, 100, 105))

	parked := signal.New(testAccount, "OLD.US", signal.TypeSell, 90)
	rig.queue.delayed = []*signal.Signal{parked}

	rig.svc.rotationSweep()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, want 0 for a parked sell", n)
	}
	if len(rig.svc.claims) != 0 {
		t.Fatal("sells must not consume rescue claims")
	}
}

func TestRotationSellBlockedByPendingSell(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["VICTIM.US"] = fadeDropCandles()
	rig.hold(position("VICTIM.US", 100, 100, 105))
	rig.queue.setPending("VICTIM.US", signal.SideSell, false)

	stuck := signal.New(testAccount, "NEW.US", signal.TypeStrongBuy, 80)
	rig.queue.delayed = []*signal.Signal{stuck}

	rig.svc.rotationSweep()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, want 0 with a sell already queued", n)
	}
	if len(rig.queue.woken) != 0 {
		t.Fatal("stuck buy woken without a funding sale")
	}
}

func TestRotationSellBlockedByPendingBuy(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["VICTIM.US"] = fadeDropCandles()
	rig.hold(position("VICTIM.US", 100, 100, 105))
	rig.queue.setPending("VICTIM.US", signal.SideBuy, true)

	stuck := signal.New(testAccount, "NEW.US", signal.TypeStrongBuy, 80)
	rig.queue.delayed = []*signal.Signal{stuck}

	rig.svc.rotationSweep()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, want 0 while a buy is queued for the victim", n)
	}
	if len(rig.queue.woken) != 0 {
		t.Fatal("stuck buy woken without a funding sale")
	}
}
