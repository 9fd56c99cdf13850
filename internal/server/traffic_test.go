package server

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/mdnet/mdhome/internal/stats"
)

func TestShapedConnCountsAndChunksWrites(t *testing.T) {
	s := stats.New()
	shaper := NewTrafficShaper(256<<10, s)

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := shaper.Wrap(raw)
	defer ln.Close()

	payload := bytes.Repeat([]byte("x"), 2*shaper.burst+17)
	received := make(chan []byte, 1)
	go func() {
		conn, err := net.Dial("tcp", raw.Addr().String())
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	n, err := conn.Write(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	conn.Close()

	if got := <-received; !bytes.Equal(got, payload) {
		t.Fatalf("peer received %d bytes, want %d", len(got), len(payload))
	}
	if s.BytesSent() != int64(len(payload)) {
		t.Fatalf("expected %d bytes counted, got %d", len(payload), s.BytesSent())
	}
}

func TestUnlimitedShaperOnlyCounts(t *testing.T) {
	shaper := NewTrafficShaper(0, stats.New())
	if shaper.limiter != nil {
		t.Fatalf("zero rate should disable limiting")
	}
	small := NewTrafficShaper(10, stats.New())
	if small.burst != minShapingBurst {
		t.Fatalf("burst should be raised to %d, got %d", minShapingBurst, small.burst)
	}
}
