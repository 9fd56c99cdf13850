package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mdnet/mdhome/internal/cache"
	"github.com/mdnet/mdhome/internal/logging"
	"github.com/mdnet/mdhome/internal/metadata"
	"github.com/mdnet/mdhome/internal/server"
	"github.com/mdnet/mdhome/internal/stats"
	"github.com/mdnet/mdhome/internal/token"
)

// maxErrorBodyDrain 限制非 200 回源正文的丢弃量，超出部分随连接关闭。
const maxErrorBodyDrain = 64 << 10

// Options 汇总构造 Handler 所需的依赖；ImageServer/Tokens/ForceTokens 来自控制面设置。
type Options struct {
	Cache           *cache.Cache
	Metadata        *metadata.Store
	Stats           *stats.Stats
	Client          *http.Client
	Logger          *logrus.Logger
	ImageServer     string
	Tokens          *token.Verifier
	ForceTokens     bool
	AllowedReferers []string
}

// Handler 负责“鉴权 → 缓存查找 → 命中直出或回源边读边写”的全流程。
type Handler struct {
	cache       *cache.Cache
	meta        *metadata.Store
	stats       *stats.Stats
	client      *http.Client
	logger      *logrus.Logger
	imageServer string
	tokens      *token.Verifier
	forceTokens bool
	referers    []string
}

type imageRequest struct {
	requestID   string
	chapterHash string
	fileName    string
	dataSaver   bool
	path        string
	key         string
	rc4Key      []byte
	started     time.Time
}

// NewHandler 校验依赖并构造 Handler。
func NewHandler(opts Options) (*Handler, error) {
	if opts.Cache == nil || opts.Metadata == nil {
		return nil, errors.New("cache and metadata store are required")
	}
	if opts.ImageServer == "" {
		return nil, errors.New("image server is required")
	}
	if opts.Stats == nil {
		opts.Stats = stats.New()
	}
	if opts.Client == nil {
		opts.Client = server.NewUpstreamClient(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Handler{
		cache:       opts.Cache,
		meta:        opts.Metadata,
		stats:       opts.Stats,
		client:      opts.Client,
		logger:      opts.Logger,
		imageServer: opts.ImageServer,
		tokens:      opts.Tokens,
		forceTokens: opts.ForceTokens,
		referers:    opts.AllowedReferers,
	}, nil
}

// Register 挂载四条图片路由。
func (h *Handler) Register(router fiber.Router) {
	router.Get("/data/:chapterHash/:fileName", h.route(false, false))
	router.Get("/data-saver/:chapterHash/:fileName", h.route(true, false))
	router.Get("/:token/data/:chapterHash/:fileName", h.route(false, true))
	router.Get("/:token/data-saver/:chapterHash/:fileName", h.route(true, true))
}

func (h *Handler) route(dataSaver, tokenized bool) fiber.Handler {
	return func(c fiber.Ctx) error {
		return h.Handle(c, dataSaver, tokenized)
	}
}

// Handle 处理单个图片请求。
func (h *Handler) Handle(c fiber.Ctx, dataSaver, tokenized bool) error {
	req := imageRequest{
		requestID:   server.RequestID(c),
		chapterHash: c.Params("chapterHash"),
		fileName:    c.Params("fileName"),
		dataSaver:   dataSaver,
		started:     time.Now(),
	}
	req.path = imagePath(dataSaver, req.chapterHash, req.fileName)

	if referer := c.Get(fiber.HeaderReferer); !refererAllowed(referer, h.referers) {
		h.logRejected(req, "referer", referer)
		return c.SendStatus(fiber.StatusForbidden)
	}

	if tokenized || h.forceTokens {
		if status := h.checkToken(c.Params("token"), req); status != 0 {
			return c.SendStatus(status)
		}
	}

	h.stats.RequestServed()
	req.key, req.rc4Key = imageKey(dataSaver, req.chapterHash, req.fileName)

	snap, err := h.cache.Get(req.key)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("cache lookup %s: %w", req.key, err)
	}
	rec, hasRecord, err := h.meta.Get(req.key)
	if err != nil {
		if snap != nil {
			snap.Close()
		}
		return fmt.Errorf("metadata lookup %s: %w", req.key, err)
	}

	if snap != nil && hasRecord && snap.String(0) == rec.LastModified {
		return h.serveHit(c, req, snap, rec)
	}
	if snap != nil || hasRecord {
		h.dropOrphan(req, snap, hasRecord)
	}
	return h.serveMiss(c, req)
}

// checkToken 返回非零状态码表示拒绝。
func (h *Handler) checkToken(raw string, req imageRequest) int {
	if raw == "" || h.tokens == nil {
		h.logRejected(req, "token_missing", "")
		return fiber.StatusForbidden
	}
	if _, err := h.tokens.Verify(raw, req.chapterHash); err != nil {
		if errors.Is(err, token.ErrExpired) {
			h.logRejected(req, "token_expired", "")
			return fiber.StatusGone
		}
		h.logRejected(req, "token_invalid", err.Error())
		return fiber.StatusForbidden
	}
	return 0
}

func (h *Handler) serveHit(c fiber.Ctx, req imageRequest, snap *cache.Snapshot, rec metadata.Record) error {
	if c.Get(fiber.HeaderIfModifiedSince) != "" {
		snap.Close()
		h.stats.BrowserCached()
		h.logServed(req, true, "image_browser_cached", nil)
		c.Set(fiber.HeaderLastModified, rec.LastModified)
		return c.SendStatus(fiber.StatusNotModified)
	}

	body, err := newOpenedReader(snap.Reader(0), snap, req.rc4Key)
	if err != nil {
		snap.Close()
		return err
	}
	h.stats.CacheHit()
	h.logServed(req, true, "image_hit", nil)

	setImageHeaders(c, rec.ContentType, rec.LastModified, true)
	c.Status(fiber.StatusOK)
	return c.SendStream(body, int(snap.Length(0)))
}

// dropOrphan 清理不成对的缓存条目或附属记录；附属记录在写入进行中时保留。
func (h *Handler) dropOrphan(req imageRequest, snap *cache.Snapshot, hasRecord bool) {
	fields := logging.RequestFields(req.requestID, req.path, req.key, req.dataSaver, false)
	if snap != nil {
		snap.Close()
		if _, err := h.cache.Remove(req.key); err != nil {
			fields["error"] = err.Error()
		}
		fields["orphan"] = "cache_entry"
	}
	if hasRecord && !h.cache.Editing(req.key) {
		if err := h.meta.Delete(req.key); err != nil {
			fields["error"] = err.Error()
		}
		if snap == nil {
			fields["orphan"] = "metadata"
		} else {
			fields["orphan"] = "mismatch"
		}
	}
	h.logger.WithFields(fields).Warn("image_orphan_removed")
}

func (h *Handler) serveMiss(c fiber.Ctx, req imageRequest) error {
	h.stats.CacheMiss()

	// 正文在 handler 返回后才被 fasthttp 读取，因此不能绑定请求上下文。
	upstreamReq, err := http.NewRequestWithContext(context.Background(), http.MethodGet, h.imageServer+req.path, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.logServed(req, false, "image_upstream_failed", err)
		return c.SendStatus(fiber.StatusBadGateway)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.CopyN(io.Discard, resp.Body, maxErrorBodyDrain)
		resp.Body.Close()
		fields := logging.RequestFields(req.requestID, req.path, req.key, req.dataSaver, false)
		fields["upstream_status"] = resp.StatusCode
		h.logger.WithFields(fields).Info("image_upstream_status")
		return c.SendStatus(resp.StatusCode)
	}

	contentType := resp.Header.Get(fiber.HeaderContentType)
	lastModified := resp.Header.Get(fiber.HeaderLastModified)
	length := resp.ContentLength

	var body io.ReadCloser = resp.Body
	if length >= 0 && lastModified != "" {
		if tee := h.startCaching(req, resp.Body, contentType, lastModified, length); tee != nil {
			body = tee
		}
	}

	h.logServed(req, false, "image_miss", nil)
	setImageHeaders(c, contentType, lastModified, false)
	c.Status(fiber.StatusOK)
	if length >= 0 {
		return c.SendStream(body, int(length))
	}
	return c.SendStream(body)
}

// startCaching 尝试打开写会话并返回 Tee；任何一步失败都退化为不缓存直出。
func (h *Handler) startCaching(req imageRequest, src io.ReadCloser, contentType, lastModified string, length int64) *cache.Tee {
	ed, err := h.cache.Edit(req.key)
	if err != nil {
		if !errors.Is(err, cache.ErrBusy) {
			h.logServed(req, false, "image_cache_edit_failed", err)
		}
		return nil
	}

	sink, err := h.prepareEdit(req, ed, contentType, lastModified)
	if err != nil {
		_ = ed.Abort()
		h.logServed(req, false, "image_cache_edit_failed", err)
		return nil
	}

	return cache.NewTee(src, sink, ed, length, cache.TeeOptions{
		OnDone: func(outcome cache.TeeOutcome) {
			h.logCacheOutcome(req, outcome)
		},
	})
}

func (h *Handler) prepareEdit(req imageRequest, ed *cache.Editor, contentType, lastModified string) (io.WriteCloser, error) {
	if err := h.meta.Put(req.key, metadata.Record{ContentType: contentType, LastModified: lastModified}); err != nil {
		return nil, err
	}
	if err := ed.SetString(0, lastModified); err != nil {
		return nil, err
	}
	w, err := ed.NewWriter(0)
	if err != nil {
		return nil, err
	}
	sink, err := newSealedWriter(w, req.rc4Key)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return sink, nil
}

func setImageHeaders(c fiber.Ctx, contentType, lastModified string, hit bool) {
	if contentType != "" {
		c.Set(fiber.HeaderContentType, contentType)
	}
	c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
	if lastModified != "" {
		c.Set(fiber.HeaderLastModified, lastModified)
	}
	if hit {
		c.Set("X-Cache", "HIT")
	} else {
		c.Set("X-Cache", "MISS")
	}
}

func (h *Handler) logRejected(req imageRequest, reason, detail string) {
	fields := logging.RequestFields(req.requestID, req.path, "", req.dataSaver, false)
	fields["reason"] = reason
	if detail != "" {
		fields["detail"] = detail
	}
	h.logger.WithFields(fields).Info("image_rejected")
}

func (h *Handler) logServed(req imageRequest, hit bool, msg string, err error) {
	fields := logging.RequestFields(req.requestID, req.path, req.key, req.dataSaver, hit)
	fields["elapsed_ms"] = time.Since(req.started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn(msg)
		return
	}
	h.logger.WithFields(fields).Info(msg)
}

func (h *Handler) logCacheOutcome(req imageRequest, outcome cache.TeeOutcome) {
	fields := logging.RequestFields(req.requestID, req.path, req.key, req.dataSaver, false)
	fields["action"] = "cache"
	fields["written"] = outcome.Written
	fields["expected"] = outcome.Expected
	if outcome.Committed {
		h.logger.WithFields(fields).Info("cache_committed")
		return
	}
	if outcome.Err != nil {
		fields["error"] = outcome.Err.Error()
	}
	h.logger.WithFields(fields).Warn("cache_aborted")
}
