package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/iot-stream/internal/connection"
	"github.com/rickgao/iot-stream/internal/refresh"
	"github.com/rickgao/iot-stream/internal/session"
	"github.com/rickgao/iot-stream/internal/writer"
)

const namespace = "iot_stream"

// Sources supplies stats at scrape time. Nil funcs are skipped.
type Sources struct {
	Session func() session.Stats
	Archive func() writer.WriterMetrics
	Refresh func() refresh.Stats
}

// Collector implements prometheus.Collector over Sources.
type Collector struct {
	src Sources

	connState         *prometheus.Desc
	connectAttempts   *prometheus.Desc
	connectFailures   *prometheus.Desc
	connectionsLost   *prometheus.Desc
	messagesReceived  *prometheus.Desc
	subscribeFailures *prometheus.Desc
	publishFailures   *prometheus.Desc

	topics            *prometheus.Desc
	messagesDelivered *prometheus.Desc

	bufferCount       *prometheus.Desc
	bufferCapacity    *prometheus.Desc
	bufferOverwritten *prometheus.Desc
	bufferResizes     *prometheus.Desc

	archiveInserts   *prometheus.Desc
	archiveConflicts *prometheus.Desc
	archiveErrors    *prometheus.Desc
	archiveFlushes   *prometheus.Desc
	archiveDropped   *prometheus.Desc

	refreshAttempts       *prometheus.Desc
	refreshFailures       *prometheus.Desc
	refreshCredentialErrs *prometheus.Desc
}

var states = []connection.State{
	connection.StateDisconnected,
	connection.StateConnecting,
	connection.StateConnected,
	connection.StateFailed,
}

// NewCollector creates a Collector. Every metric carries a client_id label.
func NewCollector(clientID string, src Sources) *Collector {
	constLabels := prometheus.Labels{"client_id": clientID}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}

	return &Collector{
		src: src,

		connState:         desc("connection_state", "1 for the current connection state, 0 otherwise.", "state"),
		connectAttempts:   desc("connect_attempts_total", "Connect attempts made."),
		connectFailures:   desc("connect_failures_total", "Connect attempts that failed."),
		connectionsLost:   desc("connections_lost_total", "Established connections lost."),
		messagesReceived:  desc("messages_received_total", "Messages received from the broker."),
		subscribeFailures: desc("subscribe_failures_total", "Topic subscriptions that failed or were rejected."),
		publishFailures:   desc("publish_failures_total", "Publishes that failed."),

		topics:            desc("topics", "Configured topic count."),
		messagesDelivered: desc("messages_delivered_total", "Messages delivered to sinks."),

		bufferCount:       desc("buffer_messages", "Messages currently held in the ring."),
		bufferCapacity:    desc("buffer_capacity", "Ring capacity."),
		bufferOverwritten: desc("buffer_overwritten_total", "Oldest messages overwritten by newer ones."),
		bufferResizes:     desc("buffer_resizes_total", "Successful ring resizes."),

		archiveInserts:   desc("archive_inserts_total", "Rows inserted into the archive."),
		archiveConflicts: desc("archive_conflicts_total", "Rows skipped because they already existed."),
		archiveErrors:    desc("archive_errors_total", "Failed archive batch inserts."),
		archiveFlushes:   desc("archive_flushes_total", "Successful archive batch flushes."),
		archiveDropped:   desc("archive_dropped_total", "Messages dropped because the archive buffer was full."),

		refreshAttempts:       desc("refresh_attempts_total", "Reconnect attempts by the refresher."),
		refreshFailures:       desc("refresh_failures_total", "Reconnect attempts that failed."),
		refreshCredentialErrs: desc("refresh_credential_errors_total", "Credential retrievals that failed."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connState, c.connectAttempts, c.connectFailures, c.connectionsLost,
		c.messagesReceived, c.subscribeFailures, c.publishFailures,
		c.topics, c.messagesDelivered,
		c.bufferCount, c.bufferCapacity, c.bufferOverwritten, c.bufferResizes,
		c.archiveInserts, c.archiveConflicts, c.archiveErrors, c.archiveFlushes, c.archiveDropped,
		c.refreshAttempts, c.refreshFailures, c.refreshCredentialErrs,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	if c.src.Session != nil {
		s := c.src.Session()
		for _, st := range states {
			v := 0.0
			if s.State == st {
				v = 1
			}
			gauge(c.connState, v, st.String())
		}
		counter(c.connectAttempts, s.Connection.ConnectAttempts)
		counter(c.connectFailures, s.Connection.ConnectFailures)
		counter(c.connectionsLost, s.Connection.ConnectionsLost)
		counter(c.messagesReceived, s.Connection.MessagesReceived)
		counter(c.subscribeFailures, s.Connection.SubscribeFailures)
		counter(c.publishFailures, s.Connection.PublishFailures)

		gauge(c.topics, float64(s.Topics))
		counter(c.messagesDelivered, s.MessagesDelivered)

		gauge(c.bufferCount, float64(s.Buffer.Count))
		gauge(c.bufferCapacity, float64(s.Buffer.Capacity))
		counter(c.bufferOverwritten, s.Buffer.Overwritten)
		counter(c.bufferResizes, int64(s.Buffer.ResizeCount))
	}

	if c.src.Archive != nil {
		a := c.src.Archive()
		counter(c.archiveInserts, a.Inserts)
		counter(c.archiveConflicts, a.Conflicts)
		counter(c.archiveErrors, a.Errors)
		counter(c.archiveFlushes, a.Flushes)
		counter(c.archiveDropped, a.Dropped)
	}

	if c.src.Refresh != nil {
		r := c.src.Refresh()
		counter(c.refreshAttempts, r.Attempts)
		counter(c.refreshFailures, r.Failures)
		counter(c.refreshCredentialErrs, r.CredentialErrs)
	}
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return reg, nil
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
