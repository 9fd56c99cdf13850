package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/mdnet/mdhome/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(3 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 0 {
		t.Fatalf("client timeout must stay unset for streamed bodies, got %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 3*time.Second {
		t.Fatalf("expected header timeout 3s, got %s", transport.ResponseHeaderTimeout)
	}
	if transport == defaultTransport {
		t.Fatalf("transport should be cloned")
	}
}

func TestNewUpstreamClientDefaults(t *testing.T) {
	client := NewUpstreamClient(nil)
	transport := client.Transport.(*http.Transport)
	if transport.ResponseHeaderTimeout != defaultUpstreamTimeout {
		t.Fatalf("expected default timeout, got %s", transport.ResponseHeaderTimeout)
	}
}
