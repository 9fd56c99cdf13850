package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mdnet/mdhome/internal/stats"
	"github.com/mdnet/mdhome/internal/version"
)

const (
	// browserMaxAge 是图片允许在浏览器中缓存的时长（14 天）。
	browserMaxAge = 14 * 24 * time.Hour
	// corsOrigin 是唯一允许跨域读取图片的站点。
	corsOrigin = "https://mangadex.org"

	contextKeyRequestID = "_mdhome_request_id"
)

// RouteRegistrar 负责向 app 挂载具体路由，测试中可注入假实现。
type RouteRegistrar interface {
	Register(router fiber.Router)
}

// RouteRegistrarFunc adapts a function to the RouteRegistrar interface.
type RouteRegistrarFunc func(fiber.Router)

// Register makes RouteRegistrarFunc satisfy RouteRegistrar.
func (f RouteRegistrarFunc) Register(router fiber.Router) {
	f(router)
}

// AppOptions controls how the public image application behaves.
type AppOptions struct {
	Logger         *logrus.Logger
	Stats          *stats.Stats
	Routes         RouteRegistrar
	MaxConnections int
}

// NewApp builds the public Fiber application with common headers, request
// IDs, panic recovery and an error handler that never leaks internals.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Stats == nil {
		return nil, errors.New("stats are required")
	}
	if opts.Routes == nil {
		return nil, errors.New("routes are required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ServerHeader:  version.ServerHeader(),
		Concurrency:   opts.MaxConnections,
		ReadTimeout:   30 * time.Second,
		IdleTimeout:   60 * time.Second,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Stats))
	opts.Routes.Register(app)

	return app, nil
}

// requestContextMiddleware 生成请求 ID，标记节点仍有流量，并补齐通用响应头。
func requestContextMiddleware(s *stats.Stats) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		s.MarkHandled()

		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		c.Set(fiber.HeaderAccessControlAllowOrigin, corsOrigin)
		c.Set(fiber.HeaderAccessControlAllowHeaders, "*")
		c.Set(fiber.HeaderAccessControlAllowMethods, fiber.MethodGet)
		c.Set(fiber.HeaderTimingAllowOrigin, corsOrigin)

		err := c.Next()

		status := c.Response().StatusCode()
		if err == nil && (status == fiber.StatusOK || status == fiber.StatusNotModified) {
			c.Set(fiber.HeaderCacheControl, "public, max-age="+strconv.Itoa(int(browserMaxAge/time.Second)))
			c.Set(fiber.HeaderExpires, time.Now().Add(browserMaxAge).UTC().Format(http.TimeFormat))
		}
		c.Set("X-Time-Taken", strconv.FormatInt(time.Since(started).Milliseconds(), 10))
		return err
	}
}

// errorHandler 保留 fiber.Error 的状态码（如 404/405），其余错误一律 500 且不带细节。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		} else {
			logger.WithFields(logrus.Fields{
				"action":     "image",
				"request_id": RequestID(c),
				"path":       c.Path(),
			}).WithError(err).Error("request_failed")
		}
		c.Response().ResetBody()
		return c.SendStatus(status)
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
