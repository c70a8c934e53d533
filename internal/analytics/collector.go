package analytics

// Package analytics provides call analytics for routed tool invocations.
// Collects per-server counters, latency histograms and in-memory stats.

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Collector handles analytics collection and metrics
type Collector struct {
	// Prometheus metrics
	totalCalls  *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
	errorRate   *prometheus.CounterVec
	activeCalls prometheus.Gauge

	// In-memory stats
	stats   *Stats
	mu      sync.RWMutex
	enabled bool
}

// Stats holds aggregated statistics
type Stats struct {
	TotalCalls    int64            `json:"total_calls"`
	TotalErrors   int64            `json:"total_errors"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	TopTools      []ToolStats      `json:"top_tools"`
	CallsByTool   map[string]int64 `json:"calls_by_tool"`
	CallsByServer map[string]int64 `json:"calls_by_server"`
	lastUpdate    time.Time
}

// ToolStats represents tool-level statistics
type ToolStats struct {
	Tool  string `json:"tool"`
	Calls int64  `json:"calls"`
}

// NewCollector creates a new analytics collector
func NewCollector(enabled bool) *Collector {
	collector := &Collector{
		enabled: enabled,
		stats: &Stats{
			CallsByTool:   make(map[string]int64),
			CallsByServer: make(map[string]int64),
			TopTools:      []ToolStats{},
			lastUpdate:    time.Now(),
		},
	}

	if enabled {
		collector.totalCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tool_calls_total",
				Help: "Total number of tool calls",
			},
			[]string{"server", "tool", "status"},
		)

		collector.callLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_call_latency_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"server", "tool"},
		)

		collector.errorRate = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_errors_total",
				Help: "Total number of call errors",
			},
			[]string{"server"},
		)

		collector.activeCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_active_calls",
				Help: "Number of currently active calls",
			},
		)

		// Register metrics (ignore duplicate errors for tests)
		_ = prometheus.DefaultRegisterer.Register(collector.totalCalls)
		_ = prometheus.DefaultRegisterer.Register(collector.callLatency)
		_ = prometheus.DefaultRegisterer.Register(collector.errorRate)
		_ = prometheus.DefaultRegisterer.Register(collector.activeCalls)

		log.Info().Msg("Analytics collector initialized")
	} else {
		log.Info().Msg("Analytics collector disabled")
	}

	return collector
}

// RecordCall records a routed tool call.
// Satisfies the connection manager's call recorder.
func (c *Collector) RecordCall(serverID, tool string, duration time.Duration, err error) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	latencyMs := duration.Milliseconds()

	c.stats.TotalCalls++
	c.stats.CallsByTool[tool]++
	c.stats.CallsByServer[serverID]++
	c.stats.lastUpdate = time.Now()

	if err != nil {
		c.stats.TotalErrors++
	}

	// Running average
	c.stats.AvgLatencyMs = (c.stats.AvgLatencyMs*float64(c.stats.TotalCalls-1) + float64(latencyMs)) / float64(c.stats.TotalCalls)

	status := "success"
	if err != nil {
		status = "error"
	}

	c.totalCalls.WithLabelValues(serverID, tool, status).Inc()
	c.callLatency.WithLabelValues(serverID, tool).Observe(duration.Seconds())

	if err != nil {
		c.errorRate.WithLabelValues(serverID).Inc()
	}

	log.Debug().
		Str("server", serverID).
		Str("tool", tool).
		Int64("latency_ms", latencyMs).
		Bool("success", err == nil).
		Msg("Call recorded")
}

// StartCall increments active calls counter
func (c *Collector) StartCall() {
	if !c.enabled {
		return
	}
	c.activeCalls.Inc()
}

// EndCall decrements active calls counter
func (c *Collector) EndCall() {
	if !c.enabled {
		return
	}
	c.activeCalls.Dec()
}

// GetStats returns current statistics
func (c *Collector) GetStats() *Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy to avoid race conditions
	statsCopy := &Stats{
		TotalCalls:    c.stats.TotalCalls,
		TotalErrors:   c.stats.TotalErrors,
		AvgLatencyMs:  c.stats.AvgLatencyMs,
		CallsByTool:   make(map[string]int64),
		CallsByServer: make(map[string]int64),
		lastUpdate:    c.stats.lastUpdate,
	}

	for k, v := range c.stats.CallsByTool {
		statsCopy.CallsByTool[k] = v
	}
	for k, v := range c.stats.CallsByServer {
		statsCopy.CallsByServer[k] = v
	}

	statsCopy.TopTools = c.computeTopTools()

	return statsCopy
}

// computeTopTools returns top 10 tools by call count
func (c *Collector) computeTopTools() []ToolStats {
	var tools []ToolStats
	for tool, calls := range c.stats.CallsByTool {
		tools = append(tools, ToolStats{Tool: tool, Calls: calls})
	}

	// Sort by calls (descending)
	for i := 0; i < len(tools); i++ {
		for j := i + 1; j < len(tools); j++ {
			if tools[j].Calls > tools[i].Calls {
				tools[i], tools[j] = tools[j], tools[i]
			}
		}
	}

	if len(tools) > 10 {
		tools = tools[:10]
	}

	return tools
}

// Reset resets all statistics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats = &Stats{
		CallsByTool:   make(map[string]int64),
		CallsByServer: make(map[string]int64),
		TopTools:      []ToolStats{},
		lastUpdate:    time.Now(),
	}

	log.Info().Msg("Analytics statistics reset")
}
