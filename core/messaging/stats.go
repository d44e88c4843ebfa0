package messaging

import "github.com/prometheus/client_golang/prometheus"

// Stats is a snapshot of bus activity.
type Stats struct {
	MessagesPublished    int64
	MessagesDelivered    int64
	TopicsCurrent        int64
	TopicsCreated        int64
	TopicsRemoved        int64
	SubscriptionsCurrent int64
	SubscriptionsTotal   int64
	GCRuns               int64
	Broker               BrokerStats
}

func (b *Bus) Stats() Stats {
	return Stats{
		MessagesPublished:    b.published.Load(),
		MessagesDelivered:    b.delivered.Load(),
		TopicsCurrent:        b.topicCount.Load(),
		TopicsCreated:        b.topicsCreated.Load(),
		TopicsRemoved:        b.topicsRemoved.Load(),
		SubscriptionsCurrent: b.subsCurrent.Load(),
		SubscriptionsTotal:   b.subsTotal.Load(),
		GCRuns:               b.gcRuns.Load(),
		Broker:               b.broker.Stats(),
	}
}

// StatsSource is anything that reports bus stats, including wrappers around Bus.
type StatsSource interface {
	Stats() Stats
}

// Collector exports bus stats as Prometheus metrics.
type Collector struct {
	src StatsSource

	published   *prometheus.Desc
	delivered   *prometheus.Desc
	topics      *prometheus.Desc
	topicsNew   *prometheus.Desc
	topicsGone  *prometheus.Desc
	subs        *prometheus.Desc
	subsTotal   *prometheus.Desc
	gcRuns      *prometheus.Desc
	allocated   *prometheus.Desc
	busy        *prometheus.Desc
	workFailed  *prometheus.Desc
	workStarted *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector reading src on every scrape.
func NewCollector(src StatsSource, namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "messagebus", name), help, nil, nil)
	}
	return &Collector{
		src:         src,
		published:   desc("messages_published_total", "Messages published to the bus."),
		delivered:   desc("messages_delivered_total", "Messages handed to subscription callbacks."),
		topics:      desc("topics", "Topics currently registered."),
		topicsNew:   desc("topics_created_total", "Topics created."),
		topicsGone:  desc("topics_removed_total", "Topics removed by garbage collection."),
		subs:        desc("subscriptions", "Active subscriptions."),
		subsTotal:   desc("subscriptions_total", "Subscriptions created."),
		gcRuns:      desc("gc_runs_total", "Topic garbage collection sweeps."),
		allocated:   desc("workers_allocated", "Broker workers allocated."),
		busy:        desc("workers_busy", "Broker workers running subscription work."),
		workFailed:  desc("work_failed_total", "Subscriptions unscheduled after failed work."),
		workStarted: desc("workers_started_total", "Broker workers started."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.published, c.delivered, c.topics, c.topicsNew, c.topicsGone, c.subs,
		c.subsTotal, c.gcRuns, c.allocated, c.busy, c.workFailed, c.workStarted,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(c.published, s.MessagesPublished)
	counter(c.delivered, s.MessagesDelivered)
	gauge(c.topics, s.TopicsCurrent)
	counter(c.topicsNew, s.TopicsCreated)
	counter(c.topicsGone, s.TopicsRemoved)
	gauge(c.subs, s.SubscriptionsCurrent)
	counter(c.subsTotal, s.SubscriptionsTotal)
	counter(c.gcRuns, s.GCRuns)
	gauge(c.allocated, s.Broker.AllocatedWorkers)
	gauge(c.busy, s.Broker.BusyWorkers)
	counter(c.workFailed, s.Broker.Failed)
	counter(c.workStarted, s.Broker.Scheduled)
}
