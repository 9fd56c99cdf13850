package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Build 是上报给控制面的客户端构建号，控制面据此判断节点是否过旧。
const Build = 13

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("mdhome %s (%s, build %d)", Version, Commit, Build)
}

// ServerHeader 返回响应中 Server 头使用的节点标识。
func ServerHeader() string {
	return fmt.Sprintf("mdhome node %s (%d)", Version, Build)
}
