// Package stats counts what the swarm sees and does. Counters live in memory
// for the stats command and presentation, and are mirrored into a private
// prometheus registry served at /metrics. An optional history store receives
// replies and sends asynchronously.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/chatswarm/internal/store"
)

const (
	maxTrackedUsers  = 4096
	maxUnmatchedKeys = 2000
	latencyWindow    = 100
	sinkBuffer       = 256
	topN             = 10
)

var unmatchedWordRe = regexp.MustCompile(`\p{Han}{2,10}|[a-zA-Z]{2,20}|\d+[个次条张本]`)

type metrics struct {
	chatLines   prometheus.Counter
	unmatched   prometheus.Counter
	replies     *prometheus.CounterVec
	contentions *prometheus.CounterVec
	echoes      *prometheus.CounterVec
	fallback    *prometheus.CounterVec
	sends       *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	latency     *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		chatLines: f.NewCounter(prometheus.CounterOpts{
			Name: "chatswarm_chat_lines_total",
			Help: "Total chat lines observed on the shared stream",
		}),
		unmatched: f.NewCounter(prometheus.CounterOpts{
			Name: "chatswarm_unmatched_lines_total",
			Help: "Chat lines no rule tier matched",
		}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatswarm_replies_total",
			Help: "Replies enqueued",
		}, []string{"agent", "tier"}),
		contentions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatswarm_lock_contentions_total",
			Help: "Claims lost to another agent",
		}, []string{"agent"}),
		echoes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatswarm_echo_suppressed_total",
			Help: "Chat lines dropped as echoes of swarm output",
		}, []string{"agent"}),
		fallback: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatswarm_fallback_calls_total",
			Help: "Generative fallback calls",
		}, []string{"agent", "result"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatswarm_sends_total",
			Help: "Messages handed to send adapters",
		}, []string{"agent", "result"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatswarm_queue_depth",
			Help: "Pending outbound messages per agent",
		}, []string{"agent"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatswarm_reply_latency_seconds",
			Help:    "Time from observing a chat line to enqueuing its reply",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}, []string{"agent"}),
	}
}

// Count is a key and how often it was seen.
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// AgentStats is the per-agent part of a Snapshot.
type AgentStats struct {
	Replies      int64         `json:"replies"`
	Contentions  int64         `json:"contentions"`
	Echoes       int64         `json:"echoes"`
	Sends        int64         `json:"sends"`
	SendFailures int64         `json:"send_failures"`
	Fallbacks    int64         `json:"fallbacks"`
	FallbackErrs int64         `json:"fallback_errors"`
	QueueDepth   int           `json:"queue_depth"`
	AvgLatency   time.Duration `json:"avg_latency"`
	TopRules     []Count       `json:"top_rules,omitempty"`
}

// Snapshot is a read-only copy of the in-memory counters.
type Snapshot struct {
	Since       time.Time             `json:"since"`
	ChatLines   int64                 `json:"chat_lines"`
	UniqueUsers int                   `json:"unique_users"`
	TopUsers    []Count               `json:"top_users,omitempty"`
	Unmatched   int64                 `json:"unmatched"`
	TopMissing  []Count               `json:"top_unmatched,omitempty"`
	ByTier      map[string]int64      `json:"by_tier"`
	Agents      map[string]AgentStats `json:"agents"`
	SinkDropped int64                 `json:"sink_dropped,omitempty"`
}

// TotalReplies sums replies across agents.
func (s Snapshot) TotalReplies() int64 {
	var n int64
	for _, a := range s.Agents {
		n += a.Replies
	}
	return n
}

type agentCounters struct {
	AgentStats
	rules     map[string]int64
	latencies []time.Duration
}

// Collector is safe for concurrent use by every agent goroutine.
type Collector struct {
	mu        sync.Mutex
	since     time.Time
	chatLines int64
	users     map[string]int64
	unmatched int64
	missing   map[string]int64
	byTier    map[string]int64
	agents    map[string]*agentCounters
	dropped   int64

	reg *prometheus.Registry
	m   *metrics

	sink   store.HistoryStore
	sinkCh chan func(context.Context) error
}

// New creates a Collector. sink may be nil.
func New(sink store.HistoryStore) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg:  reg,
		m:    newMetrics(reg),
		sink: sink,
	}
	if sink != nil {
		c.sinkCh = make(chan func(context.Context) error, sinkBuffer)
	}
	c.resetLocked()
	return c
}

func (c *Collector) resetLocked() {
	c.since = time.Now()
	c.chatLines = 0
	c.users = make(map[string]int64)
	c.unmatched = 0
	c.missing = make(map[string]int64)
	c.byTier = make(map[string]int64)
	c.agents = make(map[string]*agentCounters)
	c.dropped = 0
}

func (c *Collector) agentLocked(id string) *agentCounters {
	a, ok := c.agents[id]
	if !ok {
		a = &agentCounters{rules: make(map[string]int64)}
		c.agents[id] = a
	}
	return a
}

// Registry exposes the prometheus registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// RecordChat counts one distinct chat line from the shared stream.
func (c *Collector) RecordChat(user string) {
	c.m.chatLines.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatLines++
	if _, ok := c.users[user]; ok || len(c.users) < maxTrackedUsers {
		c.users[user]++
	}
}

// RecordUnmatched counts a line no tier matched and tallies its words.
func (c *Collector) RecordUnmatched(content string) {
	content = strings.TrimSpace(content)
	if len([]rune(content)) < 2 {
		return
	}
	c.m.unmatched.Inc()
	words := unmatchedWordRe.FindAllString(content, -1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmatched++
	for _, w := range words {
		if _, ok := c.missing[w]; ok || len(c.missing) < maxUnmatchedKeys {
			c.missing[w]++
		}
	}
}

// RecordReply counts a reply decision and forwards it to the history sink.
func (c *Collector) RecordReply(agent string, rec store.ReplyRecord, latency time.Duration) {
	c.m.replies.WithLabelValues(agent, rec.Tier).Inc()
	c.m.latency.WithLabelValues(agent).Observe(latency.Seconds())

	c.mu.Lock()
	a := c.agentLocked(agent)
	a.Replies++
	if rec.Rule != "" {
		a.rules[rec.Rule]++
	}
	c.byTier[rec.Tier]++
	a.latencies = append(a.latencies, latency)
	if len(a.latencies) > latencyWindow {
		a.latencies = a.latencies[len(a.latencies)-latencyWindow:]
	}
	c.mu.Unlock()

	rec.Agent = agent
	c.toSink(func(ctx context.Context) error { return c.sink.RecordReply(ctx, rec) })
}

func (c *Collector) RecordContention(agent string) {
	c.m.contentions.WithLabelValues(agent).Inc()
	c.mu.Lock()
	c.agentLocked(agent).Contentions++
	c.mu.Unlock()
}

func (c *Collector) RecordEcho(agent string) {
	c.m.echoes.WithLabelValues(agent).Inc()
	c.mu.Lock()
	c.agentLocked(agent).Echoes++
	c.mu.Unlock()
}

// RecordFallback counts one generative fallback call; err is its outcome.
func (c *Collector) RecordFallback(agent string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.m.fallback.WithLabelValues(agent, result).Inc()
	c.mu.Lock()
	a := c.agentLocked(agent)
	a.Fallbacks++
	if err != nil {
		a.FallbackErrs++
	}
	c.mu.Unlock()
}

// RecordSend counts one send attempt and forwards it to the history sink.
func (c *Collector) RecordSend(agent, text string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.m.sends.WithLabelValues(agent, result).Inc()
	c.mu.Lock()
	a := c.agentLocked(agent)
	a.Sends++
	if err != nil {
		a.SendFailures++
	}
	c.mu.Unlock()

	rec := store.SendRecord{Agent: agent, Text: text, Failed: err != nil, CreatedAt: time.Now()}
	c.toSink(func(ctx context.Context) error { return c.sink.RecordSend(ctx, rec) })
}

func (c *Collector) SetQueueDepth(agent string, depth int) {
	c.m.queueDepth.WithLabelValues(agent).Set(float64(depth))
	c.mu.Lock()
	c.agentLocked(agent).QueueDepth = depth
	c.mu.Unlock()
}

func (c *Collector) toSink(op func(context.Context) error) {
	if c.sinkCh == nil {
		return
	}
	select {
	case c.sinkCh <- op:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Run drains the history sink until ctx is cancelled, then flushes what is
// still buffered. Without a sink it just waits for ctx.
func (c *Collector) Run(ctx context.Context) error {
	if c.sinkCh == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case op := <-c.sinkCh:
			c.apply(ctx, op)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case op := <-c.sinkCh:
					c.apply(flushCtx, op)
				default:
					return nil
				}
			}
		}
	}
}

func (c *Collector) apply(ctx context.Context, op func(context.Context) error) {
	if err := op(ctx); err != nil {
		slog.Warn("stats: history write failed", "error", err)
	}
}

// Reset clears the in-memory counters and the history store. Prometheus
// counters are monotonic and keep their values.
func (c *Collector) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	if c.sink != nil {
		if err := c.sink.Reset(ctx); err != nil {
			return fmt.Errorf("reset history: %w", err)
		}
	}
	return nil
}

// History returns persisted totals, or false when no sink is configured.
func (c *Collector) History(ctx context.Context) (store.Counts, bool, error) {
	if c.sink == nil {
		return store.Counts{}, false, nil
	}
	counts, err := c.sink.Counts(ctx)
	return counts, true, err
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Since:       c.since,
		ChatLines:   c.chatLines,
		UniqueUsers: len(c.users),
		TopUsers:    top(c.users, topN),
		Unmatched:   c.unmatched,
		TopMissing:  top(c.missing, topN),
		ByTier:      make(map[string]int64, len(c.byTier)),
		Agents:      make(map[string]AgentStats, len(c.agents)),
		SinkDropped: c.dropped,
	}
	for k, v := range c.byTier {
		s.ByTier[k] = v
	}
	for id, a := range c.agents {
		as := a.AgentStats
		as.TopRules = top(a.rules, topN)
		if len(a.latencies) > 0 {
			var sum time.Duration
			for _, d := range a.latencies {
				sum += d
			}
			as.AvgLatency = sum / time.Duration(len(a.latencies))
		}
		s.Agents[id] = as
	}
	return s
}

// UnmatchedTop returns the most frequent unmatched words, skipping any that
// overlap a configured trigger in either direction.
func (c *Collector) UnmatchedTop(n int, configured []string) []Count {
	c.mu.Lock()
	all := top(c.missing, len(c.missing))
	c.mu.Unlock()

	out := make([]Count, 0, n)
	for _, kc := range all {
		if len(out) == n {
			break
		}
		if overlapsAny(kc.Key, configured) {
			continue
		}
		out = append(out, kc)
	}
	return out
}

func overlapsAny(word string, configured []string) bool {
	for _, kw := range configured {
		if kw == "" {
			continue
		}
		if strings.Contains(kw, word) || strings.Contains(word, kw) {
			return true
		}
	}
	return false
}

// Report renders the snapshot as plain text for the stats command.
func (c *Collector) Report() string {
	s := c.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "uptime %s, chat %d lines from %d users, replies %d, unmatched %d\n",
		time.Since(s.Since).Truncate(time.Second), s.ChatLines, s.UniqueUsers, s.TotalReplies(), s.Unmatched)

	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := s.Agents[id]
		fmt.Fprintf(&b, "%s: replies %d, sent %d (%d failed), contentions %d, echoes %d, queue %d, avg %s\n",
			id, a.Replies, a.Sends, a.SendFailures, a.Contentions, a.Echoes, a.QueueDepth,
			a.AvgLatency.Truncate(time.Millisecond))
	}
	if len(s.TopMissing) > 0 {
		parts := make([]string, len(s.TopMissing))
		for i, kc := range s.TopMissing {
			parts[i] = fmt.Sprintf("%s(%d)", kc.Key, kc.Count)
		}
		fmt.Fprintf(&b, "unmatched top: %s\n", strings.Join(parts, " "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// top returns up to n entries ordered by count desc, then key.
func top(m map[string]int64, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
