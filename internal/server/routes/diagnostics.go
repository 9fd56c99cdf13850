package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mdnet/mdhome/internal/cache"
	"github.com/mdnet/mdhome/internal/metadata"
	"github.com/mdnet/mdhome/internal/stats"
)

// DiagnosticsOptions 汇总诊断接口需要读取的组件，任一字段为 nil 时对应部分省略。
type DiagnosticsOptions struct {
	Gatherer prometheus.Gatherer
	Stats    *stats.Stats
	Cache    *cache.Cache
	Metadata *metadata.Store
	State    func() string
}

// RegisterDiagnostics 暴露 /-/metrics 与 /-/stats，供运维抓取指标与查看节点状态。
func RegisterDiagnostics(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil {
		return
	}

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	app.Get("/-/stats", func(c fiber.Ctx) error {
		return c.JSON(buildStatsPayload(opts))
	})
}

type statsPayload struct {
	State      string          `json:"state,omitempty"`
	Counters   *stats.Snapshot `json:"counters,omitempty"`
	Cache      *cachePayload   `json:"cache,omitempty"`
	Metadata   *int            `json:"metadata_records,omitempty"`
	MetadataOK bool            `json:"metadata_ok"`
}

type cachePayload struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"max_bytes"`
}

func buildStatsPayload(opts DiagnosticsOptions) statsPayload {
	var payload statsPayload
	if opts.State != nil {
		payload.State = opts.State()
	}
	if opts.Stats != nil {
		snap := opts.Stats.Snapshot()
		payload.Counters = &snap
	}
	if opts.Cache != nil {
		payload.Cache = &cachePayload{
			Entries:  opts.Cache.Len(),
			Bytes:    opts.Cache.Size(),
			MaxBytes: opts.Cache.MaxSize(),
		}
	}
	if opts.Metadata != nil {
		if n, err := opts.Metadata.Count(); err == nil {
			payload.Metadata = &n
			payload.MetadataOK = true
		}
	}
	return payload
}
