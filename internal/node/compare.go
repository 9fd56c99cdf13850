package node

import "github.com/mdnet/mdhome/internal/control"

// Change 是两次设置比较的结论。
type Change int

const (
	NoChange Change = iota
	NeedsRestart
)

func (c Change) String() string {
	if c == NeedsRestart {
		return "needs_restart"
	}
	return "no_change"
}

// Compare 判断新设置是否要求重启监听：证书轮换、源站变化或 token 密钥变化。
// 未携带 TLS 的 ping 响应表示证书未变。
func Compare(prev, next *control.Settings) Change {
	if prev == nil || next == nil {
		if prev == next {
			return NoChange
		}
		return NeedsRestart
	}
	if next.TLS != nil && (prev.TLS == nil || *next.TLS != *prev.TLS) {
		return NeedsRestart
	}
	if next.ImageServer != prev.ImageServer {
		return NeedsRestart
	}
	if next.TokenKey != prev.TokenKey {
		return NeedsRestart
	}
	return NoChange
}

// mergeSettings 以 next 为准，缺失的 TLS 沿用 prev。
func mergeSettings(prev, next *control.Settings) *control.Settings {
	merged := *next
	if merged.TLS == nil && prev != nil {
		merged.TLS = prev.TLS
	}
	return &merged
}
