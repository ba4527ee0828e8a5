package main

import (
	"fmt"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/adapter/binance"
	"github.com/caesar-terminal/depthsync/internal/adapter/kucoin"
	"github.com/caesar-terminal/depthsync/internal/adapter/okx"
	"github.com/caesar-terminal/depthsync/internal/adapter/toobit"
	"github.com/caesar-terminal/depthsync/internal/adapter/unified"
	"github.com/caesar-terminal/depthsync/internal/config"
	"github.com/caesar-terminal/depthsync/internal/feed"
)

// addSessions registers one session per upstream connection. In unified
// mode every exchange rides the aggregated feed; in direct mode each venue
// and market gets its own connection.
func addSessions(mgr *feed.Manager, cfg *config.Config) error {
	exchanges := subscribedExchanges(cfg.Subscriptions)

	if cfg.Feed.Mode == config.ModeUnified {
		_, err := mgr.Add("unified", unified.NewProtocol(cfg.Feed.URL), exchanges...)
		return err
	}

	for _, ex := range exchanges {
		name, proto, err := directProtocol(ex, cfg.Feed)
		if err != nil {
			return err
		}
		if _, err := mgr.Add(name, proto, ex); err != nil {
			return err
		}
	}
	return nil
}

func directProtocol(ex adapter.Exchange, fc config.FeedConfig) (string, adapter.Protocol, error) {
	m := ex.Market()
	switch ex {
	case adapter.BinanceSpot:
		return "binance-spot", binance.NewProtocol(m, binance.SpotStreamURL), nil
	case adapter.BinanceFutures:
		return "binance-um", binance.NewProtocol(m, binance.FuturesStreamURL), nil
	case adapter.OKXSpot:
		return "okx-spot", okx.NewProtocol(m, okx.PublicURL), nil
	case adapter.OKXFutures:
		return "okx-swap", okx.NewProtocol(m, okx.PublicURL), nil
	case adapter.ToobitSpot:
		return "toobit-spot", toobit.NewProtocol(m, toobit.QuoteURL), nil
	case adapter.ToobitFutures:
		return "toobit-um", toobit.NewProtocol(m, toobit.QuoteURL), nil
	case adapter.KuCoinSpot:
		return "kucoin-spot", kucoin.NewProtocol("", fc.KuCoinAPI), nil
	default:
		return "", nil, fmt.Errorf("no direct feed for %s; use feed.mode=%s", ex, config.ModeUnified)
	}
}

func subscribedExchanges(subs []config.Subscription) []adapter.Exchange {
	seen := make(map[adapter.Exchange]bool)
	var out []adapter.Exchange
	for _, s := range subs {
		if !seen[s.Exchange] {
			seen[s.Exchange] = true
			out = append(out, s.Exchange)
		}
	}
	return out
}
