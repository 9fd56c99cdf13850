package proxy

import "strings"

// refererAllowed 只比较 Referer 的主机部分：忽略协议、路径和端口，空值放行。
func refererAllowed(referer string, allowed []string) bool {
	if referer == "" {
		return true
	}
	host := referer
	if idx := strings.Index(host, "//"); idx >= 0 {
		host = host[idx+2:]
	}
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	host = strings.ToLower(host)
	for _, domain := range allowed {
		if strings.HasSuffix(host, domain) {
			return true
		}
	}
	return false
}
