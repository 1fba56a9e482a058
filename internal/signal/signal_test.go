package signal

import (
	"testing"
	"time"
)

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		typ   Type
		score float64
		want  int
	}{
		{TypeStopLoss, 0, 100},
		{TypeUrgentSell, 0, 95},
		{TypeRotationSell, 0, 90},
		{TypeSmartTakeProfit, 0, 90},
		{TypeTakeProfit, 0, 85},
		{TypeEarlyTakeProfit, 0, 85},
		{TypePartialExit, 0, 80},
		{TypeGradualExit, 0, 80},
		{TypeSell, 0, 75},
		{TypeAddPosition, 99, 70},
		{TypeStrongBuy, 85, 85},
		{TypeBuy, 52.9, 52},
		{TypeWeakBuy, -3, 0},
		{TypeStrongBuy, 140, 100},
	}
	for _, tc := range cases {
		if got := PriorityFor(tc.typ, tc.score); got != tc.want {
			t.Errorf("PriorityFor(%s, %.1f) = %d, want %d", tc.typ, tc.score, got, tc.want)
		}
	}
}

func TestSides(t *testing.T) {
	buys := []Type{TypeStrongBuy, TypeBuy, TypeWeakBuy, TypeAddPosition}
	sells := []Type{TypeSell, TypeStopLoss, TypeTakeProfit, TypeSmartTakeProfit,
		TypeEarlyTakeProfit, TypeGradualExit, TypePartialExit, TypeRotationSell,
		TypeUrgentSell}

	for _, typ := range buys {
		if !typ.IsBuy() || typ.IsSell() {
			t.Errorf("%s should be a buy type", typ)
		}
		if SideFor(typ) != SideBuy {
			t.Errorf("SideFor(%s) = %s, want BUY", typ, SideFor(typ))
		}
	}
	for _, typ := range sells {
		if !typ.IsSell() || typ.IsBuy() {
			t.Errorf("%s should be a sell type", typ)
		}
		if SideFor(typ) != SideSell {
			t.Errorf("SideFor(%s) = %s, want SELL", typ, SideFor(typ))
		}
	}
}

func TestEncodeDecodeKeepsIdentityBytes(t *testing.T) {
	s := New("sub000", "700.HK", TypeStrongBuy, 82)
	s.Price = 612.5
	s.Quantity = 100
	s.Reasons = []string{"rsi oversold", "bb lower touch"}

	data, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.OriginalJSON) != string(data) {
		t.Error("OriginalJSON must hold the exact consumed bytes")
	}
	if got.Symbol != "700.HK" || got.Type != TypeStrongBuy || got.Priority != 82 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Side != SideBuy {
		t.Errorf("side = %s, want BUY", got.Side)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDelayed(t *testing.T) {
	now := time.Now()
	s := New("sub000", "AAPL.US", TypeBuy, 50)
	if s.Delayed(now) {
		t.Error("fresh signal should not be delayed")
	}
	s.RetryAfter = now.Add(2 * time.Minute).Unix()
	if !s.Delayed(now) {
		t.Error("signal with future retry_after should be delayed")
	}
	if s.Delayed(now.Add(3 * time.Minute)) {
		t.Error("signal past retry_after should not be delayed")
	}
}

func TestValidate(t *testing.T) {
	s := New("sub000", "700.HK", TypeBuy, 50)
	if err := s.Validate(); err != nil {
		t.Fatalf("valid signal rejected: %v", err)
	}

	bad := *s
	bad.Symbol = ""
	if err := bad.Validate(); err == nil {
		t.Error("expected error for empty symbol")
	}

	bad = *s
	bad.Type = "SHRUG"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown type")
	}

	bad = *s
	bad.Quantity = -1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative quantity")
	}
}
