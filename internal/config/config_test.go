package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/book"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env=development, got %s", cfg.Env)
	}
	if cfg.Book.MaxLevels != 250 {
		t.Errorf("expected 250 levels, got %d", cfg.Book.MaxLevels)
	}
	if len(cfg.Book.Bands) != 8 || cfg.Book.Bands[4].String() != "0.01" {
		t.Errorf("unexpected bands: %v", cfg.Book.Bands)
	}
	if cfg.Book.ResyncTimeout != 10*time.Second {
		t.Errorf("unexpected resync timeout: %s", cfg.Book.ResyncTimeout)
	}
	if cfg.Feed.Mode != ModeUnified || cfg.Feed.URL != UnifiedURL {
		t.Errorf("unexpected feed: %+v", cfg.Feed)
	}
	if cfg.Redis.Enabled || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("unexpected redis: %+v", cfg.Redis)
	}
	if cfg.Compare.Side != book.Bid || cfg.Compare.Market != adapter.Futures {
		t.Errorf("unexpected compare: %+v", cfg.Compare)
	}
	if len(cfg.Subscriptions) != len(adapter.FuturesExchanges) {
		t.Fatalf("expected a subscription per futures exchange, got %d", len(cfg.Subscriptions))
	}
	if got := len(cfg.Subscriptions[0].Symbols); got != len(adapter.DefaultSymbols) {
		t.Errorf("expected %d symbols, got %d", len(adapter.DefaultSymbols), got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DEPTHSYNC_ENV", "production")
	t.Setenv("DEPTHSYNC_BOOK_BANDS", "0.001, 0.02")
	t.Setenv("DEPTHSYNC_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DEPTHSYNC_COMPARE_EXCHANGE_TYPE", "spot")
	t.Setenv("DEPTHSYNC_COMPARE_SIDE", "asks")
	t.Setenv("DEPTHSYNC_FEED_MODE", "DIRECT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env=production, got %s", cfg.Env)
	}
	if len(cfg.Book.Bands) != 2 || cfg.Book.Bands[1].String() != "0.02" {
		t.Errorf("unexpected bands: %v", cfg.Book.Bands)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Compare.Market != adapter.Spot || cfg.Compare.Side != book.Ask {
		t.Errorf("unexpected compare: %+v", cfg.Compare)
	}
	if cfg.Feed.Mode != ModeDirect {
		t.Errorf("unexpected mode: %s", cfg.Feed.Mode)
	}
	if cfg.Subscriptions[0].Exchange != adapter.SpotExchanges[0] {
		t.Errorf("expected spot subscriptions, got %s", cfg.Subscriptions[0].Exchange)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"DEPTHSYNC_BOOK_BANDS":            "0.01,abc",
		"DEPTHSYNC_FEED_MODE":             "carrier-pigeon",
		"DEPTHSYNC_COMPARE_SIDE":          "middle",
		"DEPTHSYNC_COMPARE_EXCHANGE_TYPE": "options",
	}
	for env, val := range cases {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", env, val)
			}
		})
	}
}

func TestLoadSubscriptionsManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.yaml")
	manifest := `subscriptions:
  - exchange: bnUM
    symbols: [BTCUSDT, eth-usdt]
  - exchange: kucoinSpot
    symbols: [SOL-USDT]
`
	if err := os.WriteFile(path, []byte(manifest), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEPTHSYNC_SUBSCRIPTIONS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Subscriptions) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(cfg.Subscriptions))
	}
	keys := cfg.Subscriptions[0].Keys()
	if keys[1] != (adapter.Key{Exchange: adapter.BinanceFutures, Symbol: "ETHUSDT"}) {
		t.Errorf("unexpected key %v", keys[1])
	}
	if cfg.Subscriptions[1].Keys()[0].Symbol != "SOLUSDT" {
		t.Errorf("unexpected kucoin symbol %v", cfg.Subscriptions[1].Keys())
	}
}

func TestLoadSubscriptionsErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	if _, err := LoadSubscriptions(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadSubscriptions(write("bad.yaml", "subscriptions: [")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadSubscriptions(write("empty.yaml", "subscriptions: []\n")); err == nil {
		t.Error("expected error for empty manifest")
	}
	if _, err := LoadSubscriptions(write("nosym.yaml", "subscriptions:\n  - exchange: bnUM\n")); err == nil {
		t.Error("expected error for missing symbols")
	}
}
