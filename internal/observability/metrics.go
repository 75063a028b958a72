package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	DropFormat     = "format"
	DropNoBinding  = "no_binding"
	DropQueueFull  = "queue_full"
	DropBacklog    = "backlog_full"
	DropDuplicate  = "duplicate"
	DropNoRoute    = "no_route"
	DropForward    = "forward_failed"
	DropConnLimit  = "conn_limit"
	DropClosed     = "closed"
	DropLinkDecode = "link_decode"
	DropExhausted  = "exhausted"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cspnet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cspnet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	ingressPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cspnet",
			Subsystem: "router",
			Name:      "ingress_packets_total",
			Help:      "Packets handed to the router by interfaces.",
		},
		[]string{"node", "iface"},
	)
	deliveredPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cspnet",
			Subsystem: "router",
			Name:      "delivered_packets_total",
			Help:      "Packets delivered to a local connection.",
		},
		[]string{"node", "port"},
	)
	forwardedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cspnet",
			Subsystem: "router",
			Name:      "forwarded_packets_total",
			Help:      "Packets forwarded toward another node.",
		},
		[]string{"node", "iface"},
	)
	droppedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cspnet",
			Subsystem: "router",
			Name:      "dropped_packets_total",
			Help:      "Packets dropped, by reason.",
		},
		[]string{"node", "reason"},
	)
	transmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cspnet",
			Subsystem: "egress",
			Name:      "transmit_total",
			Help:      "Transmit attempts per interface.",
		},
		[]string{"node", "iface", "success"},
	)
	transmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cspnet",
			Subsystem: "egress",
			Name:      "transmit_duration_seconds",
			Help:      "Time spent waiting for and using an interface.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"node", "iface"},
	)
	openConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cspnet",
			Subsystem: "conn",
			Name:      "open",
			Help:      "Connections currently registered.",
		},
		[]string{"node"},
	)
	freeBuffers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cspnet",
			Subsystem: "buffer",
			Name:      "free",
			Help:      "Free packet buffers.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			ingressPackets, deliveredPackets, forwardedPackets, droppedPackets,
			transmitted, transmitDuration,
			openConnections, freeBuffers,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordIngress(node, iface string) {
	RegisterMetrics()
	ingressPackets.WithLabelValues(node, iface).Inc()
}

func RecordDelivered(node string, port uint8) {
	RegisterMetrics()
	deliveredPackets.WithLabelValues(node, strconv.Itoa(int(port))).Inc()
}

func RecordForwarded(node, iface string) {
	RegisterMetrics()
	forwardedPackets.WithLabelValues(node, iface).Inc()
}

func RecordDrop(node, reason string) {
	RegisterMetrics()
	droppedPackets.WithLabelValues(node, reason).Inc()
}

func RecordTransmit(node, iface string, duration time.Duration, success bool) {
	RegisterMetrics()
	transmitted.WithLabelValues(node, iface, strconv.FormatBool(success)).Inc()
	transmitDuration.WithLabelValues(node, iface).Observe(duration.Seconds())
}

func SetOpenConnections(node string, n int) {
	RegisterMetrics()
	openConnections.WithLabelValues(node).Set(float64(n))
}

func SetFreeBuffers(node string, n int) {
	RegisterMetrics()
	freeBuffers.WithLabelValues(node).Set(float64(n))
}
