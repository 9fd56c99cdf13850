package server

import (
	"net"
	"net/http"
	"time"

	"github.com/mdnet/mdhome/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回回源专用的 http.Client。
// 超时只作用于建连与等待响应头：图片正文以流的形式转发给客户端，整体耗时取决于客户端速度。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = timeout

	return &http.Client{Transport: transport}
}
