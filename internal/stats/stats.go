// Package stats holds the live counters of a running node: requests served,
// cache hit/miss split, browser cache revalidations, bytes sent and the
// "handled" flag used by graceful shutdown to detect idle periods.
package stats

import "sync/atomic"

// Stats 是节点运行期的计数器集合，所有方法都可以并发调用。
type Stats struct {
	requestsServed atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	browserCached  atomic.Int64
	bytesSent      atomic.Int64
	bytesOnDisk    atomic.Int64
	evictions      atomic.Int64

	handled atomic.Bool
}

// Snapshot 是某一时刻计数器的只读副本，也是持久化格式。
type Snapshot struct {
	RequestsServed int64 `json:"requests_served"`
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	BrowserCached  int64 `json:"browser_cached"`
	BytesSent      int64 `json:"bytes_sent"`
	BytesOnDisk    int64 `json:"bytes_on_disk"`
	Evictions      int64 `json:"evictions"`
}

// New 返回全部为零的计数器。
func New() *Stats {
	return &Stats{}
}

func (s *Stats) RequestServed() { s.requestsServed.Add(1) }
func (s *Stats) CacheHit()      { s.cacheHits.Add(1) }
func (s *Stats) CacheMiss()     { s.cacheMisses.Add(1) }
func (s *Stats) BrowserCached() { s.browserCached.Add(1) }

// AddBytesSent 累加写给客户端的字节数。
func (s *Stats) AddBytesSent(n int64) {
	if n > 0 {
		s.bytesSent.Add(n)
	}
}

// BytesSent 返回累计出口字节数，生命周期模块据此计算小时流量。
func (s *Stats) BytesSent() int64 {
	return s.bytesSent.Load()
}

// SetBytesOnDisk 记录磁盘缓存当前占用。
func (s *Stats) SetBytesOnDisk(n int64) {
	s.bytesOnDisk.Store(n)
}

// Evicted 可直接作为 cache.WithEvictionObserver 的回调。
func (s *Stats) Evicted(_ string, size int64) {
	s.evictions.Add(1)
	s.bytesOnDisk.Add(-size)
}

// MarkHandled 标记自上次清除以来处理过请求。
func (s *Stats) MarkHandled() { s.handled.Store(true) }

// ClearHandled 清除标记并返回清除前的值。
func (s *Stats) ClearHandled() bool { return s.handled.Swap(false) }

// Handled 报告自上次清除以来是否处理过请求。
func (s *Stats) Handled() bool { return s.handled.Load() }

// Snapshot 返回当前计数器副本。
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RequestsServed: s.requestsServed.Load(),
		CacheHits:      s.cacheHits.Load(),
		CacheMisses:    s.cacheMisses.Load(),
		BrowserCached:  s.browserCached.Load(),
		BytesSent:      s.bytesSent.Load(),
		BytesOnDisk:    s.bytesOnDisk.Load(),
		Evictions:      s.evictions.Load(),
	}
}

// Restore 用持久化的快照覆盖计数器，仅在启动时调用。
func (s *Stats) Restore(snap Snapshot) {
	s.requestsServed.Store(snap.RequestsServed)
	s.cacheHits.Store(snap.CacheHits)
	s.cacheMisses.Store(snap.CacheMisses)
	s.browserCached.Store(snap.BrowserCached)
	s.bytesSent.Store(snap.BytesSent)
	s.bytesOnDisk.Store(snap.BytesOnDisk)
	s.evictions.Store(snap.Evictions)
}
