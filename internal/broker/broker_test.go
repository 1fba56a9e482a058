package broker

import (
	"errors"
	"net/http"
	"testing"
)

func TestMarketOf(t *testing.T) {
	cases := []struct {
		symbol string
		want   Market
	}{
		{"700.HK", MarketHK},
		{"9988.HK", MarketHK},
		{"AAPL.US", MarketUS},
		{"VIXY.US", MarketUS},
		{"600519.SH", MarketSH},
		{"000001.SZ", MarketSZ},
		{"700.hk", MarketHK},
		{"AAPL", MarketUnknown},
		{"700.", MarketUnknown},
		{"700.TOKYO", MarketUnknown},
	}
	for _, tc := range cases {
		if got := MarketOf(tc.symbol); got != tc.want {
			t.Errorf("MarketOf(%q) = %q, want %q", tc.symbol, got, tc.want)
		}
	}
}

func TestCurrencyFor(t *testing.T) {
	if CurrencyFor(MarketHK) != "HKD" {
		t.Error("HK should settle in HKD")
	}
	if CurrencyFor(MarketUS) != "USD" {
		t.Error("US should settle in USD")
	}
	if CurrencyFor(MarketUnknown) != "" {
		t.Error("unknown market has no currency")
	}
}

func TestOrderStatusSets(t *testing.T) {
	active := []OrderStatus{OrderStatusWaitToNew, OrderStatusNew, OrderStatusPartialFilled, OrderStatusWaitToCancel}
	for _, s := range active {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}

	blocking := []OrderStatus{OrderStatusFilled, OrderStatusPartialFilled, OrderStatusNew, OrderStatusWaitToNew}
	for _, s := range blocking {
		if !s.CountsTowardDailyBuy() {
			t.Errorf("%s should count toward the daily buy cap", s)
		}
	}
	if OrderStatusCanceled.CountsTowardDailyBuy() {
		t.Error("canceled orders should not count toward the daily buy cap")
	}
}

func TestAPIErrorClasses(t *testing.T) {
	rateLimited := &APIError{HTTPStatus: http.StatusTooManyRequests, Code: 0, Message: "slow down"}
	if !IsRateLimited(rateLimited) {
		t.Error("HTTP 429 should classify as rate limited")
	}
	if !IsTransient(rateLimited) {
		t.Error("rate limited should be transient")
	}

	funds := &APIError{HTTPStatus: http.StatusBadRequest, Code: 602035, Message: "no cash"}
	if !IsInsufficientFunds(funds) {
		t.Error("code 602035 should classify as insufficient funds")
	}
	if IsTransient(funds) {
		t.Error("insufficient funds is not transient")
	}

	fundsByMsg := &APIError{HTTPStatus: http.StatusBadRequest, Code: 9, Message: "Insufficient buying power"}
	if !IsInsufficientFunds(fundsByMsg) {
		t.Error("message match should classify as insufficient funds")
	}

	badSymbol := &APIError{HTTPStatus: http.StatusBadRequest, Code: 301600, Message: "unknown symbol"}
	if !IsInvalidSymbol(badSymbol) {
		t.Error("code 301600 should classify as invalid symbol")
	}

	entitlement := &APIError{HTTPStatus: http.StatusForbidden, Code: 301607, Message: "no entitlement"}
	if !IsInvalidSymbol(entitlement) {
		t.Error("missing entitlement should classify like an invalid symbol")
	}

	gatewayDown := &APIError{HTTPStatus: http.StatusBadGateway}
	if !IsTransient(gatewayDown) {
		t.Error("5xx should be transient")
	}

	netErr := errors.New("dial tcp: connection refused")
	if !IsTransient(netErr) {
		t.Error("network errors should be transient")
	}

	rejected := &APIError{HTTPStatus: http.StatusBadRequest, Code: 602001, Message: "rejected"}
	if !errors.Is(rejected, ErrOrderRejected) {
		t.Error("code 602001 should map to ErrOrderRejected")
	}
	if !IsPermanent(rejected) {
		t.Error("order rejection should be permanent")
	}
}

func TestSignDeterministic(t *testing.T) {
	c := &Client{cfg: Config{AppSecret: "s3cret"}}
	a := c.sign("GET", "/v1/quote", "symbol=700.HK", nil, "1700000000000")
	b := c.sign("GET", "/v1/quote", "symbol=700.HK", nil, "1700000000000")
	if a != b {
		t.Error("signature must be deterministic")
	}
	if a == c.sign("GET", "/v1/quote", "symbol=AAPL.US", nil, "1700000000000") {
		t.Error("different query must produce a different signature")
	}
	if a == c.sign("GET", "/v1/quote", "symbol=700.HK", nil, "1700000000001") {
		t.Error("different timestamp must produce a different signature")
	}
}
