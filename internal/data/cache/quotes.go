package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/models"
	"github.com/sawpanic/marginwatch/internal/persistence"
)

const keyPrefix = "marginwatch:quote:"

// cacheEntry is the stored form of a quote. TS is the quote timestamp in unix
// microseconds, which Lua compares exactly.
type cacheEntry struct {
	TS    int64             `json:"ts"`
	Quote models.PriceQuote `json:"quote"`
}

const (
	modeFill  = "0"
	modeWrite = "1"
)

// setIfNewer stores ARGV[3] unless the held entry is newer. Equal timestamps
// replace the entry only in write mode. ARGV: ts, mode, payload, ttl ms.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, entry = pcall(cjson.decode, cur)
  if ok and type(entry) == 'table' and type(entry.ts) == 'number' then
    local incoming = tonumber(ARGV[1])
    if entry.ts > incoming or (entry.ts == incoming and ARGV[2] == '0') then
      return 0
    end
  end
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

// delIfOlder drops the entry when its quote is older than ARGV[1] or cannot be read
var delIfOlder = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local ok, entry = pcall(cjson.decode, cur)
if ok and type(entry) == 'table' and type(entry.ts) == 'number' and entry.ts >= tonumber(ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// QuoteKey is the Redis key holding the latest quote of a symbol
func QuoteKey(symbol string) string {
	return keyPrefix + models.NormalizeSymbol(symbol)
}

// QuoteCache decorates a Storage with a Redis read-through cache of latest quotes.
// Redis failures degrade to storage reads and never fail the call. An entry is
// only ever replaced by a quote at least as new, so a fill racing a write cannot
// bring back a superseded price.
type QuoteCache struct {
	persistence.Storage

	rdb     redis.Cmdable
	ttl     time.Duration
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewQuoteCache wraps store. A zero ttl keeps entries until invalidated.
func NewQuoteCache(store persistence.Storage, rdb redis.Cmdable, ttl time.Duration, collector *metrics.Collector) *QuoteCache {
	return &QuoteCache{
		Storage: store,
		rdb:     rdb,
		ttl:     ttl,
		metrics: collector,
		logger:  log.With().Str("component", "quote_cache").Logger(),
	}
}

// LatestQuotesFor serves cached symbols from Redis and the rest from storage,
// filling the cache with what storage returned. Result order follows symbols.
func (c *QuoteCache) LatestQuotesFor(ctx context.Context, symbols []string) ([]models.PriceQuote, error) {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return []models.PriceQuote{}, nil
	}

	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = QuoteKey(s)
	}

	found := make(map[string]models.PriceQuote, len(symbols))
	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Quote cache read failed, using storage")
		values = nil
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry cacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Quote.Symbol == "" {
			c.logger.Debug().Err(err).Str("key", keys[i]).Msg("Discarding undecodable cache entry")
			continue
		}
		found[symbols[i]] = entry.Quote
	}

	var misses []string
	for _, s := range symbols {
		if _, ok := found[s]; ok {
			c.metrics.RecordCacheHit()
			continue
		}
		c.metrics.RecordCacheMiss()
		misses = append(misses, s)
	}

	if len(misses) > 0 {
		fresh, err := c.Storage.LatestQuotesFor(ctx, misses)
		if err != nil {
			return nil, err
		}
		for _, q := range fresh {
			found[models.NormalizeSymbol(q.Symbol)] = q
			if err := c.put(ctx, q, modeFill); err != nil {
				c.logger.Debug().Err(err).Str("symbol", q.Symbol).Msg("Quote cache fill failed")
			}
		}
	}

	out := make([]models.PriceQuote, 0, len(found))
	for _, s := range symbols {
		if q, ok := found[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// WriteQuotes writes to storage, then writes the symbols' new latest quotes
// through to the cache. Symbols that cannot be written through are dropped
// from the cache instead.
func (c *QuoteCache) WriteQuotes(ctx context.Context, quotes []models.PriceQuote) error {
	if err := c.Storage.WriteQuotes(ctx, quotes); err != nil {
		return err
	}

	merged := persistence.MergeQuotes(quotes)
	if len(merged) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(merged))
	symbols := make([]string, 0, len(merged))
	for _, q := range merged {
		sym := models.NormalizeSymbol(q.Symbol)
		if seen[sym] {
			continue
		}
		seen[sym] = true
		symbols = append(symbols, sym)
	}

	latest, err := c.Storage.LatestQuotesFor(ctx, symbols)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Latest quote read after write failed, invalidating")
		c.invalidate(ctx, symbols)
		return nil
	}
	var stale []string
	written := make(map[string]bool, len(latest))
	for _, q := range latest {
		if err := c.put(ctx, q, modeWrite); err != nil {
			c.logger.Debug().Err(err).Str("symbol", q.Symbol).Msg("Quote cache write-through failed")
			continue
		}
		written[models.NormalizeSymbol(q.Symbol)] = true
	}
	for _, s := range symbols {
		if !written[s] {
			stale = append(stale, s)
		}
	}
	c.invalidate(ctx, stale)
	return nil
}

// DeleteQuotesOlderThan prunes storage, then drops cached entries whose quote
// is older than cutoff.
func (c *QuoteCache) DeleteQuotesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.Storage.DeleteQuotesOlderThan(ctx, cutoff)
	if err != nil {
		return n, err
	}

	micros := cutoff.UnixMicro()
	dropped := 0
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		gone, err := delIfOlder.Run(ctx, c.rdb, []string{iter.Val()}, micros).Int()
		if err != nil {
			c.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Quote cache prune failed")
			continue
		}
		dropped += gone
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Quote cache scan failed")
	}
	c.logger.Debug().Int("dropped", dropped).Time("cutoff", cutoff).Msg("Quote cache pruned")
	return n, nil
}

// put stores q unless the cache already holds a newer quote of its symbol
func (c *QuoteCache) put(ctx context.Context, q models.PriceQuote, mode string) error {
	b, err := json.Marshal(cacheEntry{TS: q.Timestamp.UnixMicro(), Quote: q})
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, c.rdb, []string{QuoteKey(q.Symbol)},
		q.Timestamp.UnixMicro(), mode, string(b), c.ttl.Milliseconds()).Err()
}

func (c *QuoteCache) invalidate(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = QuoteKey(s)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Int("keys", len(keys)).Msg("Quote cache invalidation failed")
	}
}

// NewClient builds a Redis client from connection settings
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}
