package chat

import "github.com/prometheus/client_golang/prometheus"

// metrics is nil-safe: a client built without WithMetrics records nothing.
type metrics struct {
	requests        *prometheus.CounterVec
	renewals        *prometheus.CounterVec
	connects        *prometheus.CounterVec
	connectionState prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_client",
			Name:      "requests_total",
			Help:      "REST requests by method and outcome.",
		}, []string{"method", "outcome"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_client",
			Name:      "token_renewals_total",
			Help:      "Token renewals by result.",
		}, []string{"result"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_client",
			Name:      "websocket_connects_total",
			Help:      "WebSocket connection attempts by result.",
		}, []string{"result"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat_client",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.renewals, m.connects, m.connectionState} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) request(method string, outcome ErrorKind) {
	if m == nil {
		return
	}
	label := "success"
	if outcome != 0 {
		label = outcome.String()
	}
	m.requests.WithLabelValues(method, label).Inc()
}

func (m *metrics) renewal(result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *metrics) connect(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *metrics) state(s ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}
