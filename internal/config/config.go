package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/book"
)

// UnifiedURL is the aggregated depth feed the desktop app connects to.
const UnifiedURL = "wss://mm-admin-new.test1.wcsbapp.com/ws/websocket"

// Feed modes.
const (
	ModeUnified = "unified"
	ModeDirect  = "direct"
)

// Config holds all application configuration.
type Config struct {
	Env           string
	Log           LogConfig
	Book          BookConfig
	Feed          FeedConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Query         QueryConfig
	Server        ServerConfig
	Compare       CompareConfig
	Subscriptions []Subscription
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string
}

// BookConfig holds the per-pipeline view settings.
type BookConfig struct {
	MaxLevels     int
	Bands         []decimal.Decimal
	ResyncTimeout time.Duration
}

// FeedConfig holds upstream connection settings.
type FeedConfig struct {
	Mode             string
	URL              string
	HeartbeatTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	SnapshotLimit    int
	KuCoinAPI        string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// QueryConfig holds the gRPC query service settings.
type QueryConfig struct {
	SocketPath string
}

// ServerConfig holds the UI websocket server settings.
type ServerConfig struct {
	Addr string
}

// CompareConfig selects what the comparator scores.
type CompareConfig struct {
	Band   decimal.Decimal
	Side   book.Side
	Market adapter.Market
}

// Subscription lists the symbols watched on one exchange.
type Subscription struct {
	Exchange adapter.Exchange `yaml:"exchange"`
	Symbols  []string         `yaml:"symbols"`
}

// Keys expands the subscription into book keys.
func (s Subscription) Keys() []adapter.Key {
	keys := make([]adapter.Key, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		keys = append(keys, adapter.Key{Exchange: s.Exchange, Symbol: adapter.CanonicalSymbol(sym)})
	}
	return keys
}

type manifest struct {
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// Load reads configuration from environment variables prefixed with
// DEPTHSYNC_. A .env file in the working directory is loaded first when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("DEPTHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("book.max_levels", 250)
	v.SetDefault("book.bands", "0.0001,0.0005,0.001,0.005,0.01,0.02,0.05,0.1")
	v.SetDefault("book.resync_timeout", "10s")

	v.SetDefault("feed.mode", ModeUnified)
	v.SetDefault("feed.url", UnifiedURL)
	v.SetDefault("feed.heartbeat_timeout", "60s")
	v.SetDefault("feed.backoff_initial", "500ms")
	v.SetDefault("feed.backoff_max", "30s")
	v.SetDefault("feed.snapshot_limit", 1000)
	v.SetDefault("feed.kucoin_api", "https://api.kucoin.com")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "depth")

	v.SetDefault("query.socket_path", "/tmp/depthsync.sock")
	v.SetDefault("server.addr", ":8090")

	v.SetDefault("compare.band", "0.01")
	v.SetDefault("compare.side", "bid")
	v.SetDefault("compare.exchange_type", "futures")

	v.SetDefault("subscriptions_file", "")

	cfg := &Config{}
	cfg.Env = v.GetString("env")
	cfg.Log = LogConfig{Level: v.GetString("log.level")}

	bands, err := ParseBands(v.GetString("book.bands"))
	if err != nil {
		return nil, err
	}
	cfg.Book = BookConfig{
		MaxLevels:     v.GetInt("book.max_levels"),
		Bands:         bands,
		ResyncTimeout: v.GetDuration("book.resync_timeout"),
	}

	cfg.Feed = FeedConfig{
		Mode:             strings.ToLower(v.GetString("feed.mode")),
		URL:              v.GetString("feed.url"),
		HeartbeatTimeout: v.GetDuration("feed.heartbeat_timeout"),
		BackoffInitial:   v.GetDuration("feed.backoff_initial"),
		BackoffMax:       v.GetDuration("feed.backoff_max"),
		SnapshotLimit:    v.GetInt("feed.snapshot_limit"),
		KuCoinAPI:        v.GetString("feed.kucoin_api"),
	}
	if cfg.Feed.Mode != ModeUnified && cfg.Feed.Mode != ModeDirect {
		return nil, fmt.Errorf("config: feed.mode must be %q or %q, got %q", ModeUnified, ModeDirect, cfg.Feed.Mode)
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Kafka = KafkaConfig{
		Enabled: v.GetBool("kafka.enabled"),
		Brokers: splitList(v.GetString("kafka.brokers")),
		Topic:   v.GetString("kafka.topic"),
	}

	cfg.Query = QueryConfig{SocketPath: v.GetString("query.socket_path")}
	cfg.Server = ServerConfig{Addr: v.GetString("server.addr")}

	band, err := decimal.NewFromString(v.GetString("compare.band"))
	if err != nil {
		return nil, fmt.Errorf("config: compare.band: %w", err)
	}
	side, err := book.ParseSide(strings.ToLower(v.GetString("compare.side")))
	if err != nil {
		return nil, fmt.Errorf("config: compare.side: %w", err)
	}
	market, err := adapter.ParseMarket(v.GetString("compare.exchange_type"))
	if err != nil {
		return nil, fmt.Errorf("config: compare.exchange_type: %w", err)
	}
	cfg.Compare = CompareConfig{Band: band, Side: side, Market: market}

	if path := v.GetString("subscriptions_file"); path != "" {
		subs, err := LoadSubscriptions(path)
		if err != nil {
			return nil, err
		}
		cfg.Subscriptions = subs
	} else {
		cfg.Subscriptions = DefaultSubscriptions(market)
	}

	return cfg, nil
}

// DefaultSubscriptions watches adapter.DefaultSymbols on every exchange of m.
func DefaultSubscriptions(m adapter.Market) []Subscription {
	exchanges := adapter.FuturesExchanges
	if m == adapter.Spot {
		exchanges = adapter.SpotExchanges
	}
	subs := make([]Subscription, 0, len(exchanges))
	for _, ex := range exchanges {
		subs = append(subs, Subscription{Exchange: ex, Symbols: append([]string(nil), adapter.DefaultSymbols...)})
	}
	return subs
}

// LoadSubscriptions reads a YAML manifest:
//
//	subscriptions:
//	  - exchange: bnUM
//	    symbols: [BTCUSDT, ETHUSDT]
func LoadSubscriptions(path string) ([]Subscription, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(m.Subscriptions) == 0 {
		return nil, errors.New("config: manifest lists no subscriptions")
	}
	for i, s := range m.Subscriptions {
		if s.Exchange == "" {
			return nil, fmt.Errorf("config: subscription %d has no exchange", i)
		}
		if len(s.Symbols) == 0 {
			return nil, fmt.Errorf("config: subscription %s has no symbols", s.Exchange)
		}
	}
	return m.Subscriptions, nil
}

// ParseBands parses a comma-separated list of fractions such as
// "0.001,0.01".
func ParseBands(s string) ([]decimal.Decimal, error) {
	parts := splitList(s)
	bands := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("config: band %q: %w", p, err)
		}
		bands = append(bands, d)
	}
	return bands, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
