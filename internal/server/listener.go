package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/gofiber/fiber/v3"
)

// TLSListener 用控制面下发的 PEM 证书包装 inner。
func TLSListener(inner net.Listener, certificatePEM, privateKeyPEM string) (net.Listener, error) {
	cert, err := tls.X509KeyPair([]byte(certificatePEM), []byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return tls.NewListener(inner, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// Instance 是一个正在 ln 上服务的 fiber app。
type Instance struct {
	app  *fiber.App
	ln   net.Listener
	done chan error
}

// Serve 在后台 goroutine 中启动 app 并立即返回。
func Serve(app *fiber.App, ln net.Listener) *Instance {
	inst := &Instance{app: app, ln: ln, done: make(chan error, 1)}
	go func() {
		inst.done <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	return inst
}

// Addr 返回监听地址。
func (i *Instance) Addr() net.Addr {
	return i.ln.Addr()
}

// Done 在服务循环退出后收到其返回值。
func (i *Instance) Done() <-chan error {
	return i.done
}

// Stop 关闭监听并等待进行中的请求结束；ctx 到期后强制断开。
func (i *Instance) Stop(ctx context.Context) error {
	err := i.app.ShutdownWithContext(ctx)
	if errors.Is(err, fiber.ErrNotRunning) {
		err = nil
	}
	_ = i.ln.Close()
	select {
	case serveErr := <-i.done:
		i.done <- serveErr
		if err == nil && serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
			err = serveErr
		}
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
