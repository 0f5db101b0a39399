// Package metrics 以 Prometheus 文本格式暴露进程内指标：HTTP 请求计数与延迟，
// 以及验证、执行、结算等业务结果计数。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	route  string
	method string
	code   string
}

type routeKey struct {
	route  string
	method string
}

type outcomeKey struct {
	component string
	outcome   string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[routeKey]uint64
	latency  map[routeKey]*histogram
	outcomes map[outcomeKey]uint64
}

func newCollector() *collector {
	return &collector{
		requests: make(map[requestKey]uint64),
		errors:   make(map[routeKey]uint64),
		latency:  make(map[routeKey]*histogram),
		outcomes: make(map[outcomeKey]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest records one finished HTTP request.
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	defaultCollector.observeRequest(route, method, status, duration)
}

// ObserveOutcome counts a business outcome, e.g. ("verification", "token_issued").
func ObserveOutcome(component, outcome string) {
	defaultCollector.observeOutcome(component, outcome)
}

func (c *collector) observeRequest(route, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{route: route, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{route: route, method: method}
	if status >= http.StatusInternalServerError {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeOutcome(component, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcomeKey{component: component, outcome: outcome}]++
}

func newHistogram() *histogram {
	buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

// 桶是累积的；超过最后一个上界的值只计入 +Inf (即 count)。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return defaultCollector.handler()
}

func (c *collector) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		a, b := reqKeys[i], reqKeys[j]
		if a.route != b.route {
			return a.route < b.route
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.code < b.code
	})
	errKeys := sortedRouteKeys(c.errors)
	latKeys := make([]routeKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sortRouteKeys(latKeys)
	outKeys := make([]outcomeKey, 0, len(c.outcomes))
	for key := range c.outcomes {
		outKeys = append(outKeys, key)
	}
	sort.Slice(outKeys, func(i, j int) bool {
		if outKeys[i].component != outKeys[j].component {
			return outKeys[i].component < outKeys[j].component
		}
		return outKeys[i].outcome < outKeys[j].outcome
	})

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("# HELP vibeguard_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE vibeguard_http_requests_total counter\n")
	for _, key := range reqKeys {
		fmt.Fprintf(&b, "vibeguard_http_requests_total{route=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.route), escape(key.method), escape(key.code), c.requests[key])
	}

	b.WriteString("# HELP vibeguard_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE vibeguard_http_request_errors_total counter\n")
	for _, key := range errKeys {
		fmt.Fprintf(&b, "vibeguard_http_request_errors_total{route=\"%s\",method=\"%s\"} %d\n",
			escape(key.route), escape(key.method), c.errors[key])
	}

	b.WriteString("# HELP vibeguard_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE vibeguard_http_request_duration_seconds histogram\n")
	for _, key := range latKeys {
		hist := c.latency[key]
		labels := fmt.Sprintf("route=\"%s\",method=\"%s\"", escape(key.route), escape(key.method))
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&b, "vibeguard_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n", labels, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "vibeguard_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, hist.count)
		fmt.Fprintf(&b, "vibeguard_http_request_duration_seconds_sum{%s} %s\n", labels, formatFloat(hist.sum))
		fmt.Fprintf(&b, "vibeguard_http_request_duration_seconds_count{%s} %d\n", labels, hist.count)
	}

	b.WriteString("# HELP vibeguard_outcomes_total Business outcomes by component.\n")
	b.WriteString("# TYPE vibeguard_outcomes_total counter\n")
	for _, key := range outKeys {
		fmt.Fprintf(&b, "vibeguard_outcomes_total{component=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.component), escape(key.outcome), c.outcomes[key])
	}
	return b.String()
}

func sortedRouteKeys(m map[routeKey]uint64) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sortRouteKeys(keys)
	return keys
}

func sortRouteKeys(keys []routeKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].route != keys[j].route {
			return keys[i].route < keys[j].route
		}
		return keys[i].method < keys[j].method
	})
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing /metrics and
// blocks until ctx is cancelled or the listener fails.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
