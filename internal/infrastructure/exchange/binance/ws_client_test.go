package binance

import "testing"

func TestBuildCombinedURL(t *testing.T) {
	got, err := buildCombinedURL("wss://fstream.binance.com", []string{"BTCUSDT", " ", "ethusdt"})
	if err != nil {
		t.Fatalf("buildCombinedURL failed: %v", err)
	}
	want := "wss://fstream.binance.com/stream?streams=btcusdt@markPrice@1s/ethusdt@markPrice@1s"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if _, err := buildCombinedURL("", []string{"BTCUSDT"}); err == nil {
		t.Error("expected error for empty base url")
	}
	if _, err := buildCombinedURL("wss://x", nil); err == nil {
		t.Error("expected error for empty symbols")
	}
}

func TestParseMarkPrice(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1700000000123,"s":"BTCUSDT","p":"65000.5","r":"-0.00012","T":1700028800000}}`)
	tick, ok := parseMarkPrice(raw)
	if !ok {
		t.Fatal("expected tick")
	}
	if tick.Symbol != "BTCUSDT" || tick.MarkPrice.String() != "65000.5" || tick.FundingRate.String() != "-0.00012" {
		t.Errorf("tick = %+v", tick)
	}
	if tick.NextFundingTime != 1700028800000 || tick.Ts != 1700000000123 {
		t.Errorf("times = %d %d", tick.NextFundingTime, tick.Ts)
	}
	if _, ok := parseMarkPrice([]byte(`{"result":null,"id":1}`)); ok {
		t.Error("ack message should not produce a tick")
	}
}
