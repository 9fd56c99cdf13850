// Package control talks to the CDN control plane: it registers the node
// (a "ping" without TLS timestamp), keeps it alive with periodic pings and
// deregisters it before the node stops serving.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mdnet/mdhome/internal/config"
	"github.com/mdnet/mdhome/internal/version"
)

// TLS 是控制面下发的证书材料（PEM）。
type TLS struct {
	CreatedAt   string `json:"created_at"`
	PrivateKey  string `json:"private_key"`
	Certificate string `json:"certificate"`
}

// Settings 是 ping 的响应，描述节点应当如何提供服务。
type Settings struct {
	ImageServer string `json:"image_server"`
	LatestBuild int    `json:"latest_build"`
	URL         string `json:"url"`
	Compromised bool   `json:"compromised"`
	Paused      bool   `json:"paused"`
	ForceTokens bool   `json:"force_tokens"`
	TokenKey    string `json:"token_key"`
	TLS         *TLS   `json:"tls,omitempty"`
}

// StatusError 表示控制面返回了非 2xx 状态码。
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control %s returned status %d", e.Endpoint, e.StatusCode)
}

type pingRequest struct {
	Secret       string `json:"secret"`
	Port         int    `json:"port"`
	DiskSpace    int64  `json:"disk_space"`
	NetworkSpeed int64  `json:"network_speed"`
	BuildVersion int    `json:"build_version"`
	TLSCreatedAt string `json:"tls_created_at,omitempty"`
}

type stopRequest struct {
	Secret string `json:"secret"`
}

// Client 是控制面客户端，可并发使用。
type Client struct {
	base       string
	httpClient *http.Client
	ping       pingRequest
}

// NewClient 根据节点配置构造客户端；httpClient 为 nil 时使用 http.DefaultClient。
func NewClient(cfg *config.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:       cfg.Control.ResolvedAddress(),
		httpClient: httpClient,
		ping: pingRequest{
			Secret:       cfg.Global.ClientSecret,
			Port:         cfg.Global.AdvertisedPort(),
			DiskSpace:    cfg.Global.MaxCacheBytes(),
			NetworkSpeed: cfg.Global.NetworkSpeedBytes(),
			BuildVersion: version.Build,
		},
	}
}

// Register 首次登录控制面，响应中必然包含 TLS 证书。
func (c *Client) Register(ctx context.Context) (*Settings, error) {
	return c.doPing(ctx, "")
}

// Ping 携带当前证书时间戳续约；证书未轮换时响应可能不含 TLS。
func (c *Client) Ping(ctx context.Context, current *Settings) (*Settings, error) {
	createdAt := ""
	if current != nil && current.TLS != nil {
		createdAt = current.TLS.CreatedAt
	}
	return c.doPing(ctx, createdAt)
}

func (c *Client) doPing(ctx context.Context, tlsCreatedAt string) (*Settings, error) {
	body := c.ping
	body.TLSCreatedAt = tlsCreatedAt

	var settings Settings
	if err := c.post(ctx, "ping", body, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Deregister 通知控制面停止向本节点分配流量。
func (c *Client) Deregister(ctx context.Context) error {
	return c.post(ctx, "stop", stopRequest{Secret: c.ping.Secret}, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode control %s response: %w", endpoint, err)
	}
	return nil
}
