package stats

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mdhome"

// Register 以 CounterFunc/GaugeFunc 的形式导出计数器，reg 为 nil 时使用默认注册表。
func (s *Stats) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		counter("requests_served_total", "Image requests that passed authorization", &s.requestsServed),
		counter("cache_hits_total", "Requests served from the disk cache", &s.cacheHits),
		counter("cache_misses_total", "Requests fetched from the upstream image server", &s.cacheMisses),
		counter("browser_cached_total", "Requests answered with 304 Not Modified", &s.browserCached),
		counter("bytes_sent_total", "Bytes written to clients", &s.bytesSent),
		counter("cache_evictions_total", "Cache entries evicted for capacity", &s.evictions),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "bytes_on_disk",
			Help:      "Bytes currently held by the disk cache",
		}, func() float64 { return float64(s.bytesOnDisk.Load()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

type loader interface {
	Load() int64
}

func counter(name, help string, v loader) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}
