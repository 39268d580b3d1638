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

type operationKey struct {
	action  string
	outcome string
}

type latencyKey struct {
	action string
}

type httpKey struct {
	handler string
	method  string
	code    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu         sync.Mutex
	operations map[operationKey]uint64
	latency    map[latencyKey]*histogram
	requests   map[httpKey]uint64
	active     int64
}

var hostCollector = &collector{
	operations: make(map[operationKey]uint64),
	latency:    make(map[latencyKey]*histogram),
	requests:   make(map[httpKey]uint64),
}

// ObservePluginOperation records the outcome and duration of a plugin lifecycle operation.
func ObservePluginOperation(action, outcome string, duration time.Duration) {
	hostCollector.observeOperation(action, outcome, duration)
}

// SetActivePlugins updates the gauge tracking currently loaded plugins.
func SetActivePlugins(count int) {
	hostCollector.mu.Lock()
	hostCollector.active = int64(count)
	hostCollector.mu.Unlock()
}

// ObserveHTTPRequest records metrics about a management API request.
func ObserveHTTPRequest(handler, method string, status int) {
	hostCollector.mu.Lock()
	key := httpKey{handler: handler, method: method, code: strconv.Itoa(status)}
	hostCollector.requests[key]++
	hostCollector.mu.Unlock()
}

func (c *collector) observeOperation(action, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations[operationKey{action: action, outcome: outcome}]++

	latKey := latencyKey{action: action}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values greater than the last bucket are accounted for in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, hostCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type operationMetric struct {
		operationKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type requestMetric struct {
		httpKey
		value uint64
	}

	ops := make([]operationMetric, 0, len(c.operations))
	for key, value := range c.operations {
		ops = append(ops, operationMetric{operationKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}
	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{httpKey: key, value: value})
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].action == ops[j].action {
			return ops[i].outcome < ops[j].outcome
		}
		return ops[i].action < ops[j].action
	})
	sort.Slice(lats, func(i, j int) bool {
		return lats[i].action < lats[j].action
	})
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP pluginhost_plugin_operations_total Total number of plugin lifecycle operations processed.\n")
	builder.WriteString("# TYPE pluginhost_plugin_operations_total counter\n")
	for _, metric := range ops {
		builder.WriteString(fmt.Sprintf("pluginhost_plugin_operations_total{action=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.action), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP pluginhost_plugin_operation_duration_seconds Plugin lifecycle operation duration in seconds.\n")
	builder.WriteString("# TYPE pluginhost_plugin_operation_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("pluginhost_plugin_operation_duration_seconds_bucket{action=\"%s\",le=\"%s\"} %d\n",
				escape(metric.action), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("pluginhost_plugin_operation_duration_seconds_bucket{action=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.action), metric.count))
		builder.WriteString(fmt.Sprintf("pluginhost_plugin_operation_duration_seconds_sum{action=\"%s\"} %s\n",
			escape(metric.action), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("pluginhost_plugin_operation_duration_seconds_count{action=\"%s\"} %d\n",
			escape(metric.action), metric.count))
	}

	builder.WriteString("# HELP pluginhost_active_plugins Number of plugins currently loaded.\n")
	builder.WriteString("# TYPE pluginhost_active_plugins gauge\n")
	builder.WriteString(fmt.Sprintf("pluginhost_active_plugins %d\n", c.active))

	builder.WriteString("# HELP pluginhost_http_requests_total Total number of management API requests processed.\n")
	builder.WriteString("# TYPE pluginhost_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("pluginhost_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	return builder.String()
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

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
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
