package scaleout

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamStats is a snapshot of one stream.
type StreamStats struct {
	Index         int
	State         StreamState
	QueueLength   int
	Sent          int64
	Failed        int64
	Mappings      uint64
	MappingResets int64
}

// BackplaneStats is a snapshot of the scale-out layer.
type BackplaneStats struct {
	PayloadsSent     int64
	PayloadsReceived int64
	SendErrors       int64
	Streams          []StreamStats
}

func (b *Bus) BackplaneStats() BackplaneStats {
	s := BackplaneStats{
		PayloadsSent:     b.payloadsSent.Load(),
		PayloadsReceived: b.payloadsReceived.Load(),
		SendErrors:       b.sendErrors.Load(),
		Streams:          make([]StreamStats, b.streams.Count()),
	}
	for i := range s.Streams {
		st := b.streams.Stream(i)
		s.Streams[i] = StreamStats{
			Index:         i,
			State:         st.State(),
			QueueLength:   st.QueueLength(),
			Sent:          st.sent.Load(),
			Failed:        st.failed.Load(),
			Mappings:      b.mappings[i].Count(),
			MappingResets: b.mappings[i].Resets(),
		}
	}
	return s
}

// Collector exports scale-out stats as Prometheus metrics, labelled by stream.
type Collector struct {
	bus *Bus

	sent     *prometheus.Desc
	received *prometheus.Desc
	errors   *prometheus.Desc
	state    *prometheus.Desc
	queue    *prometheus.Desc
	resets   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(b *Bus, namespace string) *Collector {
	fq := func(name string) string {
		return prometheus.BuildFQName(namespace, "scaleout", name)
	}
	return &Collector{
		bus:      b,
		sent:     prometheus.NewDesc(fq("payloads_sent_total"), "Payloads handed to the backplane.", nil, nil),
		received: prometheus.NewDesc(fq("payloads_received_total"), "Payloads delivered by the backplane.", nil, nil),
		errors:   prometheus.NewDesc(fq("send_errors_total"), "Backplane sends that failed.", nil, nil),
		state:    prometheus.NewDesc(fq("stream_state"), "Stream state: 0 initial, 1 open, 2 buffering, 3 closed.", []string{"stream"}, nil),
		queue:    prometheus.NewDesc(fq("stream_queue_length"), "Sends waiting in the stream queue.", []string{"stream"}, nil),
		resets:   prometheus.NewDesc(fq("mapping_resets_total"), "Mapping store resets caused by payload ids going backwards.", []string{"stream"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sent
	ch <- c.received
	ch <- c.errors
	ch <- c.state
	ch <- c.queue
	ch <- c.resets
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.bus.BackplaneStats()
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(s.PayloadsSent))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(s.PayloadsReceived))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.SendErrors))
	for _, st := range s.Streams {
		label := strconv.Itoa(st.Index)
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(st.State), label)
		ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(st.QueueLength), label)
		ch <- prometheus.MustNewConstMetric(c.resets, prometheus.CounterValue, float64(st.MappingResets), label)
	}
}
