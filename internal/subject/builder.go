package subject

import (
	"strings"
	"sync"
)

// Builder pre-computes and caches topic strings for a single feed, keyed by
// ticker. Constructed either with (env, feed) for the default naming scheme
// or with (prefix, streamName) directly for sharded connectors that publish
// under a custom subject tree.
//
// The cache gives callers reference-stable strings for the lifetime of the
// builder: repeated lookups for the same ticker return the identical string
// value without re-formatting, which matters on the hot path where a writer
// builds a subject for every inbound frame.
type Builder struct {
	tradePrefix             string
	tickerPrefix            string
	wildcard                string
	jsonTradePrefix         string
	jsonTickerPrefix        string
	jsonOrderbookPrefix     string
	jsonLifecyclePrefix     string
	jsonEventLifecyclePrefix string
	streamName              string

	tradeCache             sync.Map
	tickerCache            sync.Map
	jsonTradeCache         sync.Map
	jsonTickerCache        sync.Map
	jsonOrderbookCache     sync.Map
	jsonLifecycleCache     sync.Map
	jsonEventLifecycleCache sync.Map
}

// New creates a Builder with the default prefix: {env}.{feed}.
func New(env, feed string) *Builder {
	prefix := env + "." + feed
	streamName := strings.ToUpper(env) + "_" + strings.ToUpper(feed)
	return WithPrefix(prefix, streamName)
}

// WithPrefix creates a Builder with a custom prefix and stream name. Use
// this to shard a connector's output across distinct subject trees/streams
// (e.g. one stream per Kalshi category).
func WithPrefix(prefix, streamName string) *Builder {
	return &Builder{
		tradePrefix:              prefix + ".trade.",
		tickerPrefix:             prefix + ".ticker.",
		wildcard:                 prefix + ".>",
		jsonTradePrefix:          prefix + ".json.trade.",
		jsonTickerPrefix:         prefix + ".json.ticker.",
		jsonOrderbookPrefix:      prefix + ".json.orderbook.",
		jsonLifecyclePrefix:      prefix + ".json.lifecycle.",
		jsonEventLifecyclePrefix: prefix + ".json.event_lifecycle.",
		streamName:               streamName,
	}
}

func cached(cache *sync.Map, prefix, ticker string) string {
	if v, ok := cache.Load(ticker); ok {
		return v.(string)
	}
	subject := prefix + ticker
	actual, _ := cache.LoadOrStore(ticker, subject)
	return actual.(string)
}

// Trade builds the subject for trade messages: {prefix}.trade.{ticker}.
func (b *Builder) Trade(ticker string) string {
	return cached(&b.tradeCache, b.tradePrefix, ticker)
}

// Ticker builds the subject for ticker messages: {prefix}.ticker.{ticker}.
func (b *Builder) Ticker(ticker string) string {
	return cached(&b.tickerCache, b.tickerPrefix, ticker)
}

// All returns the wildcard subject for every message under this builder's
// prefix: {prefix}.>.
func (b *Builder) All() string {
	return b.wildcard
}

// StreamName returns the precomputed stream name: {ENV}_{FEED} (uppercase),
// or whatever name was supplied via WithPrefix.
func (b *Builder) StreamName() string {
	return b.streamName
}

// JSONTrade builds {prefix}.json.trade.{ticker}.
func (b *Builder) JSONTrade(ticker string) string {
	return cached(&b.jsonTradeCache, b.jsonTradePrefix, ticker)
}

// JSONTicker builds {prefix}.json.ticker.{ticker}.
func (b *Builder) JSONTicker(ticker string) string {
	return cached(&b.jsonTickerCache, b.jsonTickerPrefix, ticker)
}

// JSONOrderbook builds {prefix}.json.orderbook.{ticker}.
func (b *Builder) JSONOrderbook(ticker string) string {
	return cached(&b.jsonOrderbookCache, b.jsonOrderbookPrefix, ticker)
}

// JSONLifecycle builds {prefix}.json.lifecycle.{ticker}.
func (b *Builder) JSONLifecycle(ticker string) string {
	return cached(&b.jsonLifecycleCache, b.jsonLifecyclePrefix, ticker)
}

// JSONEventLifecycle builds {prefix}.json.event_lifecycle.{ticker}.
func (b *Builder) JSONEventLifecycle(ticker string) string {
	return cached(&b.jsonEventLifecycleCache, b.jsonEventLifecyclePrefix, ticker)
}
