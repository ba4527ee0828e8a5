package publish

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/pipeline"
)

// RedisClient is the subset of *redis.Client used by RedisWriter.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// topOfBook is the last-written summary for a book, used to skip writes
// that would not change the hash.
type topOfBook struct {
	Bid    string
	Ask    string
	Depth0 string
}

// RedisWriter persists a summary of every book into Redis and publishes the
// full JSON payload:
//
//	Key:     depth:{exchange}:{symbol}
//	Fields:  bid, ask, spread, spread_pct, ts, depth:{band}...
//	Channel: depth.{exchange}.{symbol}
//
// Writes never block the feed: results are buffered internally and flushed
// by a dedicated goroutine. Results whose best prices and tightest band
// depth are unchanged are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan pipeline.Result
	buf    chan pipeline.Result
	log    *zap.Logger

	mu   sync.Mutex
	last map[string]topOfBook // keyed by Redis key
}

// NewRedisWriter creates a writer reading feed, normally a broadcaster's
// SubscribeAll channel.
func NewRedisWriter(client RedisClient, feed <-chan pipeline.Result, log *zap.Logger) *RedisWriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan pipeline.Result, 1024),
		log:    log.Named("redis"),
		last:   make(map[string]topOfBook),
	}
}

// HashKey returns the hash a book is stored under.
func HashKey(res pipeline.Result) string {
	return fmt.Sprintf("depth:%s:%s", res.Exchange, res.Symbol)
}

// Channel returns the pub/sub channel a book is published on.
func Channel(res pipeline.Result) string {
	return fmt.Sprintf("depth.%s.%s", res.Exchange, res.Symbol)
}

// Run drains the feed into the buffer and flushes the buffer to Redis. It
// blocks until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- res:
				default:
					rw.log.Warn("buffer full, dropping result", zap.String("key", HashKey(res)))
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-rw.buf:
				if err := rw.write(ctx, res); err != nil {
					rw.log.Error("write failed", zap.String("key", HashKey(res)), zap.Error(err))
				}
			}
		}
	}()

	wg.Wait()
}

func (rw *RedisWriter) write(ctx context.Context, res pipeline.Result) error {
	key := HashKey(res)
	top := topOfBook{Bid: res.BestBid.String(), Ask: res.BestAsk.String()}
	if len(res.Depth) > 0 {
		top.Depth0 = res.Depth[0].TotalDepth.String()
	}

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev == top {
		rw.mu.Unlock()
		return nil
	}
	rw.last[key] = top
	rw.mu.Unlock()

	values := []any{
		"bid", top.Bid,
		"ask", top.Ask,
		"spread", res.Spread.String(),
		"spread_pct", res.SpreadPercent.String(),
		"ts", strconv.FormatInt(res.ProcessedAt.UnixMilli(), 10),
	}
	for _, d := range res.Depth {
		values = append(values, "depth:"+d.Band.String(), d.TotalDepth.String())
	}
	if err := rw.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}

	payload, err := Encode(res)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := rw.client.Publish(ctx, Channel(res), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}
