package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/database"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/signal"
	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/strategy"
)

func gradualConfig() *config.Config {
	cfg := &config.Config{}
	cfg.GradualExit.Enabled = true
	return cfg
}

func TestExitLadderViaScan(t *testing.T) {
	pol := strategy.DefaultExitPolicy()
	pol.GradualEnabled = true

	tests := []struct {
		name       string
		candles    []market.Candle
		action     strategy.ExitAction
		wantType   signal.Type
		wantQty    int64
		wantRemain int64
	}{
		{
			name:       "moderate weakness stages out a quarter",
			candles:    flatCandles(40),
			action:     strategy.ExitQuarter,
			wantType:   signal.TypeGradualExit,
			wantQty:    25,
			wantRemain: 75,
		},
		{
			name:       "heavier weakness stages out half",
			candles:    dryFlatCandles(),
			action:     strategy.ExitHalf,
			wantType:   signal.TypePartialExit,
			wantQty:    50,
			wantRemain: 50,
		},
		{
			name:     "death cross goes out urgent and whole",
			candles:  fadeDropCandles(),
			action:   strategy.ExitFull,
			wantType: signal.TypeUrgentSell,
			wantQty:  100,
		},
		{
			name:    "quiet tape holds",
			candles: mildDipCandles(),
			action:  strategy.ExitNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireExitBand(t, tt.candles, pol, tt.action)

			rig := newGenRig(gradualConfig(), nil, nil)
			rig.klines.bySymbol["AAPL.US"] = tt.candles
			rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 105)}

			rig.svc.scan()

			if tt.wantType == "" {
				if n := publishedCount(rig.queue); n != 0 {
					t.Fatalf("published = %d, want 0", n)
				}
				return
			}

			sig := lastPublished(t, rig.queue)
			if sig.Type != tt.wantType || sig.Quantity != tt.wantQty {
				t.Fatalf("signal = %s qty %d, want %s qty %d", sig.Type, sig.Quantity, tt.wantType, tt.wantQty)
			}
			if sig.Side != signal.SideSell {
				t.Fatalf("side = %s, want SELL", sig.Side)
			}
			if c := rig.counters(); c.Exits != 1 {
				t.Fatalf("exit counter = %d, want 1", c.Exits)
			}

			win, ok, err := rig.svc.loadWindow(context.Background(), "AAPL.US")
			if err != nil {
				t.Fatalf("load window: %v", err)
			}
			if tt.wantRemain == 0 {
				if ok {
					t.Fatalf("unexpected observation window %+v", win)
				}
				return
			}
			if !ok || win.Quantity != tt.wantRemain {
				t.Fatalf("window = %+v ok=%v, want remainder %d", win, ok, tt.wantRemain)
			}
			wantExpiry := rig.clock.Add(rig.svc.exits.ObservationWindow).Unix()
			if win.ExpiresAt != wantExpiry {
				t.Fatalf("window expires %d, want %d", win.ExpiresAt, wantExpiry)
			}
		})
	}
}

func TestGradualDisabledHoldsModerateWeakness(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["AAPL.US"] = flatCandles(40)
	rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 105)}

	rig.svc.scan()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d with gradual exits off, want 0", n)
	}
}

func TestStagedExitRespectsBoardLot(t *testing.T) {
	t.Run("fraction under one lot is skipped", func(t *testing.T) {
		rig := newGenRig(gradualConfig(), nil, nil)
		rig.klines.bySymbol["0700.HK"] = flatCandles(40)
		rig.api.StaticInfos["0700.HK"] = broker.SecurityStaticInfo{Symbol: "0700.HK", LotSize: 500}
		rig.api.Positions = []broker.Position{position("0700.HK", 700, 700, 105)}

		rig.svc.scan()

		if n := publishedCount(rig.queue); n != 0 {
			t.Fatalf("published = %d, want 0 for a sub-lot slice", n)
		}
		if _, ok, _ := rig.svc.loadWindow(context.Background(), "0700.HK"); ok {
			t.Fatal("observation window opened without a sale")
		}
	})

	t.Run("slice floors to whole lots", func(t *testing.T) {
		rig := newGenRig(gradualConfig(), nil, nil)
		rig.klines.bySymbol["0700.HK"] = flatCandles(40)
		rig.api.StaticInfos["0700.HK"] = broker.SecurityStaticInfo{Symbol: "0700.HK", LotSize: 500}
		rig.api.Positions = []broker.Position{position("0700.HK", 4000, 4000, 105)}

		rig.svc.scan()

		sig := lastPublished(t, rig.queue)
		if sig.Type != signal.TypeGradualExit || sig.Quantity != 1000 {
			t.Fatalf("signal = %s qty %d, want GRADUAL_EXIT qty 1000", sig.Type, sig.Quantity)
		}
		win, ok, err := rig.svc.loadWindow(context.Background(), "0700.HK")
		if err != nil || !ok {
			t.Fatalf("window ok=%v err=%v", ok, err)
		}
		if win.Quantity != 3000 {
			t.Fatalf("remainder = %d, want 3000", win.Quantity)
		}
	})
}

func TestStagedExitPublishFailureLeavesNoWindow(t *testing.T) {
	rig := newGenRig(gradualConfig(), nil, nil)
	rig.klines.bySymbol["AAPL.US"] = flatCandles(40)
	rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 105)}
	rig.queue.publishErr = errors.New("redis down")

	rig.svc.scan()

	if _, ok, _ := rig.svc.loadWindow(context.Background(), "AAPL.US"); ok {
		t.Fatal("window opened for a signal that never left")
	}
}

func TestQueuedBuyDefersExit(t *testing.T) {
	rig := newGenRig(gradualConfig(), nil, nil)
	rig.klines.bySymbol["AAPL.US"] = fadeDropCandles()
	rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 105)}
	rig.queue.setPending("AAPL.US", signal.SideBuy, true)

	rig.svc.scan()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, want the exit deferred behind the queued buy", n)
	}
}

func TestHardFloorStopLoss(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["AAPL.US"] = flatCandles(40)
	rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 105)}
	rig.store.setActiveStop(&database.PositionStop{Symbol: "AAPL.US", StopLoss: 105, TakeProfit: 0})

	rig.svc.scan()

	sig := lastPublished(t, rig.queue)
	if sig.Type != signal.TypeStopLoss || sig.Quantity != 100 {
		t.Fatalf("signal = %s qty %d, want STOP_LOSS qty 100", sig.Type, sig.Quantity)
	}
}

func TestHardFloorTakeProfit(t *testing.T) {
	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["AAPL.US"] = flatCandles(40)
	rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 90)}
	rig.store.setActiveStop(&database.PositionStop{Symbol: "AAPL.US", StopLoss: 0, TakeProfit: 95})

	rig.svc.scan()

	sig := lastPublished(t, rig.queue)
	if sig.Type != signal.TypeTakeProfit || sig.Quantity != 100 {
		t.Fatalf("signal = %s qty %d, want TAKE_PROFIT qty 100", sig.Type, sig.Quantity)
	}
}

func TestHardFloorSmartHoldRaisesInsteadOfSelling(t *testing.T) {
	ind, err := market.ComputeIndicators(riserCandles())
	if err != nil {
		t.Fatalf("fixture indicators: %v", err)
	}
	if score := strategy.ScoreExit(ind, strategy.RegimeRange); score.Total >= 0 {
		t.Fatalf("fixture exit score = %.1f, want bullish", score.Total)
	}

	rig := newGenRig(nil, nil, nil)
	rig.klines.bySymbol["NVDA.US"] = riserCandles()
	rig.api.Positions = []broker.Position{position("NVDA.US", 100, 100, 50)}
	rig.store.setActiveStop(&database.PositionStop{Symbol: "NVDA.US", StopLoss: 0, TakeProfit: 1})

	rig.svc.scan()

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d, want the target deferred instead", n)
	}
	if len(rig.store.raises) != 1 {
		t.Fatalf("raises = %d, want 1", len(rig.store.raises))
	}
	got := rig.store.raises[0]
	if got.id != 1 || got.stopLoss != ind.Close || got.takeProfit != ind.Close*strategy.SmartHoldTakeProfitFactor {
		t.Fatalf("raise = %+v, want stop %v target %v", got, ind.Close, ind.Close*strategy.SmartHoldTakeProfitFactor)
	}
}

func TestObservationWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("open window holds even through fresh weakness", func(t *testing.T) {
		rig := newGenRig(gradualConfig(), nil, nil)
		rig.klines.bySymbol["AAPL.US"] = fadeDropCandles()
		rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 105)}
		mustSaveWindow(t, rig, "AAPL.US", observationWindow{
			Score: 55, Quantity: 40, ExpiresAt: rig.clock.Add(5 * time.Minute).Unix(),
		})

		rig.svc.scan()

		if n := publishedCount(rig.queue); n != 0 {
			t.Fatalf("published = %d inside the window, want 0", n)
		}
	})

	t.Run("expiry with weakness intact sells the remainder", func(t *testing.T) {
		rig := newGenRig(gradualConfig(), nil, nil)
		rig.klines.bySymbol["AAPL.US"] = fadeDropCandles()
		rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 105)}
		mustSaveWindow(t, rig, "AAPL.US", observationWindow{
			Score: 55, Quantity: 40, ExpiresAt: rig.clock.Add(-time.Second).Unix(),
		})

		rig.svc.scan()

		sig := lastPublished(t, rig.queue)
		if sig.Type != signal.TypeSmartTakeProfit || sig.Quantity != 40 {
			t.Fatalf("signal = %s qty %d, want SMART_TAKE_PROFIT qty 40", sig.Type, sig.Quantity)
		}
		if _, ok, _ := rig.svc.loadWindow(ctx, "AAPL.US"); ok {
			t.Fatal("window survived its own settlement")
		}
	})

	t.Run("expiry with weakness faded holds the remainder", func(t *testing.T) {
		rig := newGenRig(gradualConfig(), nil, nil)
		rig.klines.bySymbol["AAPL.US"] = mildDipCandles()
		rig.api.Positions = []broker.Position{position("AAPL.US", 100, 100, 105)}
		mustSaveWindow(t, rig, "AAPL.US", observationWindow{
			Score: 55, Quantity: 40, ExpiresAt: rig.clock.Add(-time.Second).Unix(),
		})

		rig.svc.scan()

		if n := publishedCount(rig.queue); n != 0 {
			t.Fatalf("published = %d after weakness faded, want 0", n)
		}
		if _, ok, _ := rig.svc.loadWindow(ctx, "AAPL.US"); ok {
			t.Fatal("settled window not cleared")
		}
	})

	t.Run("remainder capped at what is still available", func(t *testing.T) {
		rig := newGenRig(gradualConfig(), nil, nil)
		rig.klines.bySymbol["AAPL.US"] = fadeDropCandles()
		rig.api.Positions = []broker.Position{position("AAPL.US", 100, 60, 105)}
		mustSaveWindow(t, rig, "AAPL.US", observationWindow{
			Score: 55, Quantity: 500, ExpiresAt: rig.clock.Add(-time.Second).Unix(),
		})

		rig.svc.scan()

		if sig := lastPublished(t, rig.queue); sig.Quantity != 60 {
			t.Fatalf("quantity = %d, want capped at 60", sig.Quantity)
		}
	})
}

func TestStrongHoldExtendsTarget(t *testing.T) {
	ind, err := market.ComputeIndicators(riserCandles())
	if err != nil {
		t.Fatalf("fixture indicators: %v", err)
	}

	t.Run("raises a target the price has outgrown", func(t *testing.T) {
		rig := newGenRig(nil, nil, nil)
		rig.klines.bySymbol["NVDA.US"] = riserCandles()
		rig.api.Positions = []broker.Position{position("NVDA.US", 100, 100, 50)}
		rig.store.setActiveStop(&database.PositionStop{
			Symbol: "NVDA.US", StopLoss: 50, TakeProfit: ind.Close * 1.02,
		})

		rig.svc.scan()

		if n := publishedCount(rig.queue); n != 0 {
			t.Fatalf("published = %d, want 0", n)
		}
		if len(rig.store.raises) != 1 {
			t.Fatalf("raises = %d, want 1", len(rig.store.raises))
		}
		got := rig.store.raises[0]
		if got.stopLoss != 50 || got.takeProfit != ind.Close*strategy.SmartHoldTakeProfitFactor {
			t.Fatalf("raise = %+v, want stop kept at 50", got)
		}
	})

	t.Run("leaves a target still out of reach", func(t *testing.T) {
		rig := newGenRig(nil, nil, nil)
		rig.klines.bySymbol["NVDA.US"] = riserCandles()
		rig.api.Positions = []broker.Position{position("NVDA.US", 100, 100, 50)}
		rig.store.setActiveStop(&database.PositionStop{
			Symbol: "NVDA.US", StopLoss: 50, TakeProfit: ind.Close * 1.10,
		})

		rig.svc.scan()

		if len(rig.store.raises) != 0 {
			t.Fatalf("raises = %v, want none", rig.store.raises)
		}
	})
}

func TestFullExitTypeNames(t *testing.T) {
	tests := []struct {
		name  string
		score strategy.ExitScore
		cost  float64
		price float64
		want  signal.Type
	}{
		{name: "override is urgent", score: strategy.ExitScore{Override: true}, cost: 90, price: 100, want: signal.TypeUrgentSell},
		{name: "profit is an early take profit", cost: 90, price: 100, want: signal.TypeEarlyTakeProfit},
		{name: "loss is a plain sell", cost: 105, price: 100, want: signal.TypeSell},
		{name: "unknown cost is a plain sell", cost: 0, price: 100, want: signal.TypeSell},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := position("AAPL.US", 100, 100, tt.cost)
			if got := fullExitType(&tt.score, pos, tt.price); got != tt.want {
				t.Errorf("fullExitType() = %s, want %s", got, tt.want)
			}
		})
	}
}

func addConfig() *config.Config {
	cfg := &config.Config{}
	cfg.AddPosition = config.AddPositionConfig{
		Enabled:       true,
		AddPct:        0.15,
		Cooldown:      time.Hour,
		MaxAddsPerDay: 2,
	}
	return cfg
}

func TestAddPositionPublishes(t *testing.T) {
	ind := bullishHoldingInd()
	if entry := strategy.ScoreEntry(ind); entry.Total != 80 {
		t.Fatalf("fixture entry score = %.1f, want 80", entry.Total)
	}

	rig := newGenRig(addConfig(), nil, nil)
	pos := position("AAPL.US", 1000, 1000, 80)
	exitScore := &strategy.ExitScore{Total: -85}
	ctx := context.Background()

	rig.svc.tryAddPosition(ctx, rig.sweep(), "AAPL.US", pos, ind, exitScore, 89)

	sig := lastPublished(t, rig.queue)
	if sig.Type != signal.TypeAddPosition || sig.Quantity != 150 {
		t.Fatalf("signal = %s qty %d, want ADD_POSITION qty 150", sig.Type, sig.Quantity)
	}
	if sig.Score != 80 {
		t.Fatalf("score = %v, want the fresh entry score 80", sig.Score)
	}
	if c := rig.counters(); c.Adds != 1 {
		t.Fatalf("adds counter = %d, want 1", c.Adds)
	}

	// Same pass again: the per-symbol cooldown is already armed.
	rig.svc.tryAddPosition(ctx, rig.sweep(), "AAPL.US", pos, ind, exitScore, 89)
	if n := publishedCount(rig.queue); n != 1 {
		t.Fatalf("published = %d inside the add cooldown, want 1", n)
	}

	// Past the cooldown there is budget for one more add today.
	rig.tick(2 * time.Hour)
	rig.svc.tryAddPosition(ctx, rig.sweep(), "AAPL.US", pos, ind, exitScore, 89)
	if n := publishedCount(rig.queue); n != 2 {
		t.Fatalf("published = %d after the cooldown, want 2", n)
	}

	// The daily budget is now spent.
	rig.tick(2 * time.Hour)
	rig.svc.tryAddPosition(ctx, rig.sweep(), "AAPL.US", pos, ind, exitScore, 89)
	if n := publishedCount(rig.queue); n != 2 {
		t.Fatalf("published = %d over the daily budget, want 2", n)
	}
}

func TestAddPositionGates(t *testing.T) {
	ind := bullishHoldingInd()
	pos := position("AAPL.US", 1000, 1000, 80)
	strong := &strategy.ExitScore{Total: -85}

	tests := []struct {
		name      string
		cfg       *config.Config
		mutate    func(*genRig, *sweep)
		exitScore *strategy.ExitScore
		price     float64
	}{
		{
			name:      "disabled by default",
			cfg:       nil,
			exitScore: strong,
			price:     89,
		},
		{
			name:      "bear regime",
			cfg:       addConfig(),
			mutate:    func(_ *genRig, sw *sweep) { sw.regime = strategy.RegimeBear },
			exitScore: strong,
			price:     89,
		},
		{
			name:      "volatility panic",
			cfg:       addConfig(),
			mutate:    func(_ *genRig, sw *sweep) { sw.panicOn = true },
			exitScore: strong,
			price:     89,
		},
		{
			name:      "profit too thin",
			cfg:       addConfig(),
			exitScore: strong,
			price:     80.5,
		},
		{
			name:      "exit assessment not bullish enough",
			cfg:       addConfig(),
			exitScore: &strategy.ExitScore{Total: -10},
			price:     89,
		},
		{
			name:      "pending buy already queued",
			cfg:       addConfig(),
			mutate:    func(r *genRig, _ *sweep) { r.queue.setPending("AAPL.US", signal.SideBuy, true) },
			exitScore: strong,
			price:     89,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newGenRig(tt.cfg, nil, nil)
			sw := rig.sweep()
			if tt.mutate != nil {
				tt.mutate(rig, sw)
			}

			rig.svc.tryAddPosition(context.Background(), sw, "AAPL.US", pos, ind, tt.exitScore, tt.price)

			if n := publishedCount(rig.queue); n != 0 {
				t.Fatalf("published = %d, want 0", n)
			}
		})
	}
}

func TestAddPositionSliceUnderOneLot(t *testing.T) {
	rig := newGenRig(addConfig(), nil, nil)
	pos := position("AAPL.US", 5, 5, 80)

	rig.svc.tryAddPosition(context.Background(), rig.sweep(), "AAPL.US", pos, bullishHoldingInd(), &strategy.ExitScore{Total: -85}, 89)

	if n := publishedCount(rig.queue); n != 0 {
		t.Fatalf("published = %d for a sub-lot add, want 0", n)
	}
}

func mustSaveWindow(t *testing.T, rig *genRig, symbol string, win observationWindow) {
	t.Helper()
	if err := rig.svc.saveWindow(context.Background(), symbol, win); err != nil {
		t.Fatalf("save window: %v", err)
	}
}
