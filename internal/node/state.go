package node

import "github.com/mdnet/mdhome/internal/control"

// Reason 标记进入优雅停机的原因。
type Reason string

const (
	ReasonBudget   Reason = "budget"
	ReasonRestart  Reason = "restart"
	ReasonShutdown Reason = "shutdown"
)

// State 是节点生命周期的封闭状态集合，只有本包内的四种类型实现它。
type State interface {
	Name() string
	sealed()
}

// Uninitialized 表示尚未登录控制面或已停止服务等待重试。
type Uninitialized struct{}

// Running 表示正在以 Settings 提供服务。
type Running struct {
	Listener Listener
	Settings *control.Settings
}

// GracefulShutdown 表示已从控制面注销、正在等待流量排空。
type GracefulShutdown struct {
	LastRunning Running
	Ticks       int
	Next        State
	Reason      Reason
	OnComplete  func()
}

// Shutdown 是终止状态。
type Shutdown struct{}

func (Uninitialized) Name() string { return "uninitialized" }
func (Running) Name() string { return "running" }
func (GracefulShutdown) Name() string { return "graceful_shutdown" }
func (Shutdown) Name() string { return "shutdown" }
func (Uninitialized) sealed() {}
func (Running) sealed() {}
func (GracefulShutdown) sealed() {}
func (Shutdown) sealed() {}
