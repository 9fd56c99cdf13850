// Package node drives the lifecycle of an edge node: registering with the
// control plane, serving while the hourly egress budget allows it, restarting
// when the control plane rotates credentials and draining traffic before it
// stops. Every transition happens on the goroutine running Run.
package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdnet/mdhome/internal/control"
	"github.com/mdnet/mdhome/internal/logging"
	"github.com/mdnet/mdhome/internal/stats"
	"github.com/mdnet/mdhome/internal/version"
)

const (
	defaultPingInterval   = 45 * time.Second
	defaultTickInterval   = 15 * time.Second
	defaultControlTimeout = 15 * time.Second
	defaultStopTimeout    = 30 * time.Second
)

// ControlPlane 是生命周期依赖的控制面操作，*control.Client 满足该接口。
type ControlPlane interface {
	Register(ctx context.Context) (*control.Settings, error)
	Ping(ctx context.Context, current *control.Settings) (*control.Settings, error)
	Deregister(ctx context.Context) error
}

// Listener 是一个正在服务的图片监听，*server.Instance 满足该接口。
type Listener interface {
	Stop(ctx context.Context) error
}

// ServerFactory 按控制面设置启动新的图片监听。
type ServerFactory func(settings *control.Settings) (Listener, error)

// Options 汇总 Node 的依赖与时间参数；零值时间参数取默认值。
type Options struct {
	Control              ControlPlane
	Start                ServerFactory
	Stats                *stats.Stats
	Persist              func() error
	Logger               *logrus.Logger
	HourlyBudgetBytes    int64
	GracefulShutdownWait time.Duration
	Build                int

	PingInterval   time.Duration
	TickInterval   time.Duration
	ControlTimeout time.Duration
	StopTimeout    time.Duration
	Now            func() time.Time
}

// Node 是生命周期状态机。state 只在 Run 所在的 goroutine 上读写。
type Node struct {
	control        ControlPlane
	start          ServerFactory
	stats          *stats.Stats
	persist        func() error
	logger         *logrus.Logger
	budget         int64
	maxTicks       int
	build          int
	pingInterval   time.Duration
	tickInterval   time.Duration
	controlTimeout time.Duration
	stopTimeout    time.Duration
	now            func() time.Time

	state    State
	baseline int64
	name     atomic.Value

	// drainStarted 在进入 GracefulShutdown 时置位，Run 据此重新计时首个检查周期。
	drainStarted bool

	shutdownReq chan chan struct{}
	exited      chan struct{}
	exitOnce    sync.Once
}

// New 校验依赖并返回处于 Uninitialized 的节点。
func New(opts Options) (*Node, error) {
	if opts.Control == nil || opts.Start == nil {
		return nil, errors.New("control plane and server factory are required")
	}
	if opts.Stats == nil {
		opts.Stats = stats.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Build == 0 {
		opts.Build = version.Build
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = defaultControlTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	maxTicks := int(opts.GracefulShutdownWait / opts.TickInterval)
	if maxTicks < 1 {
		maxTicks = 1
	}

	n := &Node{
		control:        opts.Control,
		start:          opts.Start,
		stats:          opts.Stats,
		persist:        opts.Persist,
		logger:         opts.Logger,
		budget:         opts.HourlyBudgetBytes,
		maxTicks:       maxTicks,
		build:          opts.Build,
		pingInterval:   opts.PingInterval,
		tickInterval:   opts.TickInterval,
		controlTimeout: opts.ControlTimeout,
		stopTimeout:    opts.StopTimeout,
		now:            opts.Now,
		shutdownReq:    make(chan chan struct{}),
		exited:         make(chan struct{}),
	}
	n.setState(Uninitialized{}, "")
	return n, nil
}

// State 返回当前状态名，可在任意 goroutine 调用。
func (n *Node) State() string {
	name, _ := n.name.Load().(string)
	return name
}

// Shutdown 请求优雅停机，返回的通道在进入 Shutdown 状态后关闭。
func (n *Node) Shutdown() <-chan struct{} {
	waiter := make(chan struct{})
	go func() {
		select {
		case n.shutdownReq <- waiter:
		case <-n.exited:
			close(waiter)
		}
	}()
	return waiter
}

// Run 登录并启动服务，随后驱动全部定时任务直到进入 Shutdown 或 ctx 结束。
// 首次登录失败直接返回错误。
func (n *Node) Run(ctx context.Context) error {
	defer n.exitOnce.Do(func() { close(n.exited) })

	n.baseline = n.stats.BytesSent()
	if err := n.startServing(ctx); err != nil {
		return err
	}

	hourly := time.NewTimer(untilNextHour(n.now()))
	defer hourly.Stop()
	ping := time.NewTicker(n.pingInterval)
	defer ping.Stop()
	tick := time.NewTicker(n.tickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			n.hardStop()
			return ctx.Err()
		case waiter := <-n.shutdownReq:
			n.requestShutdown(ctx, waiter)
		case <-hourly.C:
			n.onHourly(ctx)
			hourly.Reset(untilNextHour(n.now()))
		case <-ping.C:
			n.onPing(ctx)
		case <-tick.C:
			n.onTick(ctx)
			n.saveStats()
		}
		if n.drainStarted {
			n.drainStarted = false
			tick.Reset(n.tickInterval)
		}
		if _, done := n.state.(Shutdown); done {
			n.saveStats()
			return nil
		}
	}
}

func (n *Node) setState(next State, reason Reason) {
	prev := n.state
	n.state = next
	n.name.Store(next.Name())
	if prev == nil {
		return
	}
	n.logger.WithFields(logging.LifecycleFields(prev.Name(), next.Name(), string(reason))).Info("node_state_changed")
}

// startServing 登录控制面并按返回的设置启动监听。
func (n *Node) startServing(ctx context.Context) error {
	settings, err := n.register(ctx)
	if err != nil {
		return err
	}
	listener, err := n.start(settings)
	if err != nil {
		n.deregister(ctx)
		return err
	}
	n.setState(Running{Listener: listener, Settings: settings}, "")
	return nil
}

func (n *Node) register(ctx context.Context) (*control.Settings, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.controlTimeout)
	defer cancel()
	settings, err := n.control.Register(callCtx)
	if err != nil {
		return nil, err
	}
	n.warnSettings(settings)
	return settings, nil
}

func (n *Node) deregister(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, n.controlTimeout)
	defer cancel()
	if err := n.control.Deregister(callCtx); err != nil {
		n.logger.WithFields(logrus.Fields{"action": "control", "error": err.Error()}).Warn("control_deregister_failed")
	}
}

func (n *Node) warnSettings(settings *control.Settings) {
	fields := logrus.Fields{"action": "control"}
	if settings.LatestBuild > n.build {
		fields["latest_build"] = settings.LatestBuild
		fields["build"] = n.build
		n.logger.WithFields(fields).Warn("client_outdated")
	}
	if settings.Paused {
		n.logger.WithFields(fields).Warn("client_paused")
	}
	if settings.Compromised {
		n.logger.WithFields(fields).Warn("client_compromised")
	}
}

// onHourly 重置流量基线；因流量超限而进行中的停机被撤销，未初始化时重试登录。
func (n *Node) onHourly(ctx context.Context) {
	n.baseline = n.stats.BytesSent()

	switch s := n.state.(type) {
	case GracefulShutdown:
		if s.Reason != ReasonBudget {
			return
		}
		settings, err := n.register(ctx)
		if err != nil {
			n.logControlFailure("control_register_failed", err)
			return
		}
		if Compare(s.LastRunning.Settings, settings) == NeedsRestart {
			s.Reason = ReasonRestart
			s.OnComplete = n.restart(ctx)
			n.state = s
			return
		}
		n.setState(Running{Listener: s.LastRunning.Listener, Settings: mergeSettings(s.LastRunning.Settings, settings)}, ReasonBudget)
	case Uninitialized:
		if err := n.startServing(ctx); err != nil {
			n.logControlFailure("node_start_failed", err)
		}
	}
}

// onPing 在运行中检查流量预算并续约。
func (n *Node) onPing(ctx context.Context) {
	running, ok := n.state.(Running)
	if !ok {
		return
	}
	if n.budget > 0 {
		if sent := n.stats.BytesSent() - n.baseline; sent > n.budget {
			n.logger.WithFields(logrus.Fields{"action": "lifecycle", "sent": sent, "budget": n.budget}).Warn("hourly_budget_exceeded")
			n.beginGraceful(ctx, running, ReasonBudget, Uninitialized{}, nil)
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, n.controlTimeout)
	settings, err := n.control.Ping(callCtx, running.Settings)
	cancel()
	if err != nil {
		n.logControlFailure("control_ping_failed", err)
		return
	}
	n.warnSettings(settings)

	if Compare(running.Settings, settings) == NeedsRestart {
		n.logger.WithFields(logrus.Fields{"action": "control"}).Info("settings_changed")
		n.beginGraceful(ctx, running, ReasonRestart, Uninitialized{}, n.restart(ctx))
		return
	}
	running.Settings = mergeSettings(running.Settings, settings)
	n.state = running
}

func (n *Node) restart(ctx context.Context) func() {
	return func() {
		if err := n.startServing(ctx); err != nil {
			n.logControlFailure("node_start_failed", err)
		}
	}
}

// beginGraceful 注销节点并开始等待流量排空，首次检查在一个完整周期之后。
func (n *Node) beginGraceful(ctx context.Context, running Running, reason Reason, next State, onComplete func()) {
	n.deregister(ctx)
	n.stats.ClearHandled()
	n.drainStarted = true
	n.setState(GracefulShutdown{
		LastRunning: running,
		Next:        next,
		Reason:      reason,
		OnComplete:  onComplete,
	}, reason)
}

// onTick 推进优雅停机：上一周期没有流量或等待已满时停止监听。
func (n *Node) onTick(ctx context.Context) {
	s, ok := n.state.(GracefulShutdown)
	if !ok {
		return
	}
	s.Ticks++
	if n.stats.Handled() && s.Ticks < n.maxTicks {
		n.stats.ClearHandled()
		n.state = s
		return
	}

	n.stopListener(ctx, s.LastRunning.Listener)
	n.setState(s.Next, s.Reason)
	if s.OnComplete != nil {
		s.OnComplete()
	}
}

func (n *Node) requestShutdown(ctx context.Context, waiter chan struct{}) {
	release := func() { close(waiter) }

	switch s := n.state.(type) {
	case Running:
		n.beginGraceful(ctx, s, ReasonShutdown, Shutdown{}, release)
	case GracefulShutdown:
		var prev func()
		if s.Reason == ReasonShutdown {
			prev = s.OnComplete
		}
		s.Next = Shutdown{}
		s.Reason = ReasonShutdown
		s.OnComplete = func() {
			if prev != nil {
				prev()
			}
			release()
		}
		n.state = s
	case Uninitialized:
		n.setState(Shutdown{}, ReasonShutdown)
		release()
	case Shutdown:
		release()
	}
}

// hardStop 在 ctx 结束时立即注销并关闭监听，不再等待排空。
func (n *Node) hardStop() {
	ctx := context.Background()
	switch s := n.state.(type) {
	case Running:
		n.deregister(ctx)
		n.stopListener(ctx, s.Listener)
	case GracefulShutdown:
		n.stopListener(ctx, s.LastRunning.Listener)
	}
	n.setState(Shutdown{}, ReasonShutdown)
	n.saveStats()
}

func (n *Node) stopListener(ctx context.Context, l Listener) {
	if l == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.stopTimeout)
	defer cancel()
	if err := l.Stop(stopCtx); err != nil {
		n.logger.WithFields(logrus.Fields{"action": "lifecycle", "error": err.Error()}).Warn("listener_stop_failed")
	}
}

func (n *Node) saveStats() {
	if n.persist == nil {
		return
	}
	if err := n.persist(); err != nil {
		n.logger.WithFields(logrus.Fields{"action": "stats", "error": err.Error()}).Warn("stats_save_failed")
	}
}

func (n *Node) logControlFailure(msg string, err error) {
	n.logger.WithFields(logrus.Fields{"action": "control", "error": err.Error()}).Warn(msg)
}

// untilNextHour 返回距下一个整点的时长。
func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}
