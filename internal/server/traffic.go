package server

import (
	"context"
	"net"

	"golang.org/x/time/rate"

	"github.com/mdnet/mdhome/internal/stats"
)

const minShapingBurst = 16 * 1024

// TrafficShaper 统计并限制节点的出口流量，所有连接共享同一个令牌桶。
type TrafficShaper struct {
	limiter *rate.Limiter
	burst   int
	stats   *stats.Stats
}

// NewTrafficShaper 构造出口整形器；bytesPerSecond 为 0 时只计数不限速。
func NewTrafficShaper(bytesPerSecond int64, s *stats.Stats) *TrafficShaper {
	t := &TrafficShaper{stats: s}
	if bytesPerSecond > 0 {
		burst := int(bytesPerSecond)
		if burst < minShapingBurst {
			burst = minShapingBurst
		}
		t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
		t.burst = burst
	}
	return t
}

// Wrap 让 ln 接受的每个连接都经过整形。应包在 TLS 之下，以便统计线上字节。
func (t *TrafficShaper) Wrap(ln net.Listener) net.Listener {
	return &shapedListener{Listener: ln, shaper: t}
}

type shapedListener struct {
	net.Listener
	shaper *TrafficShaper
}

func (l *shapedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &shapedConn{Conn: conn, shaper: l.shaper}, nil
}

type shapedConn struct {
	net.Conn
	shaper *TrafficShaper
}

// Write 按令牌桶容量分块写出，每块写完立即计入出口字节。
func (c *shapedConn) Write(p []byte) (int, error) {
	t := c.shaper
	written := 0
	for len(p) > 0 {
		chunk := p
		if t.limiter != nil {
			if len(chunk) > t.burst {
				chunk = chunk[:t.burst]
			}
			if err := t.limiter.WaitN(context.Background(), len(chunk)); err != nil {
				return written, err
			}
		}
		n, err := c.Conn.Write(chunk)
		written += n
		if t.stats != nil {
			t.stats.AddBytesSent(int64(n))
		}
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
