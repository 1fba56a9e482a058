package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jinhuaxiao/longport-quant-new-sub000/config"
)

type fakeMA struct {
	value float64
	err   error
	calls int
}

func (f *fakeMA) MA200(_ context.Context, _ string) (float64, error) {
	f.calls++
	return f.value, f.err
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []bool // entering flags in order
}

func (f *fakeAlerter) PanicAlert(_ context.Context, _ string, _, _ float64, entering bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, entering)
}

func testVixyConfig() config.VixyConfig {
	return config.VixyConfig{Symbol: "VIXY.US", PanicThreshold: 30.0, AlertEnabled: true}
}

func TestVixyPanicFlip(t *testing.T) {
	alerter := &fakeAlerter{}
	mon := NewVixyMonitor(testVixyConfig(), nil, &fakeMA{value: 22}, alerter, zerolog.Nop())
	ctx := context.Background()
	now := time.Now()

	mon.Observe(ctx, 25, now)
	if mon.InPanic() {
		t.Fatal("below threshold must not panic")
	}

	mon.Observe(ctx, 31, now)
	if !mon.InPanic() {
		t.Fatal("above threshold must engage panic")
	}

	// Staying above does not re-alert.
	mon.Observe(ctx, 35, now)
	if got := len(alerter.alerts); got != 1 {
		t.Fatalf("alerts = %d, want 1 while panic holds", got)
	}

	mon.Observe(ctx, 29, now)
	if mon.InPanic() {
		t.Fatal("dropping to threshold must clear panic")
	}
	if got := len(alerter.alerts); got != 2 {
		t.Fatalf("alerts = %d, want enter+clear", got)
	}
	if alerter.alerts[0] != true || alerter.alerts[1] != false {
		t.Errorf("alert order = %v, want [true false]", alerter.alerts)
	}
}

func TestVixyThresholdBoundary(t *testing.T) {
	mon := NewVixyMonitor(testVixyConfig(), nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	// Exactly at the threshold is not panic: the gate requires strictly above.
	mon.Observe(ctx, 30.0, time.Now())
	if mon.InPanic() {
		t.Error("price equal to the threshold must not panic")
	}
	mon.Observe(ctx, 30.01, time.Now())
	if !mon.InPanic() {
		t.Error("price just above the threshold must panic")
	}
}

func TestVixyIgnoresJunkTicks(t *testing.T) {
	mon := NewVixyMonitor(testVixyConfig(), nil, nil, nil, zerolog.Nop())
	mon.Observe(context.Background(), 0, time.Now())
	mon.Observe(context.Background(), -1, time.Now())
	price, _, inPanic := mon.Snapshot()
	if price != 0 || inPanic {
		t.Errorf("junk ticks must be dropped, got price=%v panic=%v", price, inPanic)
	}
}

func TestVixyMA200Refresh(t *testing.T) {
	ma := &fakeMA{value: 24.5}
	mon := NewVixyMonitor(testVixyConfig(), nil, ma, nil, zerolog.Nop())
	ctx := context.Background()

	mon.Observe(ctx, 20, time.Now())
	mon.Observe(ctx, 21, time.Now())
	if ma.calls != 1 {
		t.Fatalf("ma200 calls = %d, want 1 (fresh value reused)", ma.calls)
	}
	_, ma200, _ := mon.Snapshot()
	if ma200 != 24.5 {
		t.Errorf("ma200 = %v, want 24.5", ma200)
	}
}

func TestVixyPanicFlipCallback(t *testing.T) {
	mon := NewVixyMonitor(testVixyConfig(), nil, nil, nil, zerolog.Nop())

	flips := make(chan bool, 2)
	mon.OnPanicFlip(func(active bool) { flips <- active })

	mon.Observe(context.Background(), 40, time.Now())
	select {
	case active := <-flips:
		if !active {
			t.Error("first flip should report panic active")
		}
	case <-time.After(time.Second):
		t.Fatal("flip callback not invoked")
	}

	mon.Observe(context.Background(), 10, time.Now())
	select {
	case active := <-flips:
		if active {
			t.Error("second flip should report panic cleared")
		}
	case <-time.After(time.Second):
		t.Fatal("clear callback not invoked")
	}
}
