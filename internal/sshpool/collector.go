package sshpool

import "github.com/prometheus/client_golang/prometheus"

// Collector exports pool statistics to Prometheus.
type Collector struct {
	pool *Pool

	active    *prometheus.Desc
	idle      *prometheus.Desc
	waiters   *prometheus.Desc
	created   *prometheus.Desc
	destroyed *prometheus.Desc
}

// NewCollector returns a collector for pool. Register it with a
// prometheus.Registerer.
func NewCollector(pool *Pool) *Collector {
	return &Collector{
		pool: pool,
		active: prometheus.NewDesc("cmdgate_sshpool_active_sessions",
			"SSH sessions currently borrowed or being opened.", []string{"key"}, nil),
		idle: prometheus.NewDesc("cmdgate_sshpool_idle_sessions",
			"SSH sessions idle in the pool.", []string{"key"}, nil),
		waiters: prometheus.NewDesc("cmdgate_sshpool_waiters",
			"Borrowers waiting for a session.", nil, nil),
		created: prometheus.NewDesc("cmdgate_sshpool_sessions_created_total",
			"SSH sessions opened by the pool.", nil, nil),
		destroyed: prometheus.NewDesc("cmdgate_sshpool_sessions_destroyed_total",
			"SSH sessions closed by the pool.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.idle
	ch <- c.waiters
	ch <- c.created
	ch <- c.destroyed
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.pool.Stats()
	for key, ks := range st.Keys {
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(ks.Active), key)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(ks.Idle), key)
	}
	ch <- prometheus.MustNewConstMetric(c.waiters, prometheus.GaugeValue, float64(st.Waiters))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(st.Created))
	ch <- prometheus.MustNewConstMetric(c.destroyed, prometheus.CounterValue, float64(st.Destroyed))
}
