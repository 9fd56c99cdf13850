package cache

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCommitter struct {
	mu        sync.Mutex
	commits   int
	aborts    int
	commitErr error
	panicMsg  string
}

func (r *recordingCommitter) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	return r.commitErr
}

func (r *recordingCommitter) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
	return nil
}

func (r *recordingCommitter) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits, r.aborts
}

type bufferSink struct {
	bytes.Buffer
	failAfter int
	writes    int
	closed    bool
}

func (s *bufferSink) Write(p []byte) (int, error) {
	s.writes++
	if s.failAfter > 0 && s.writes > s.failAfter {
		return 0, errors.New("disk full")
	}
	return s.Buffer.Write(p)
}

func (s *bufferSink) Close() error {
	s.closed = true
	return nil
}

func runTee(t *testing.T, src io.ReadCloser, sink io.WriteCloser, editor Committer, expected int64, opts TeeOptions) (string, TeeOutcome) {
	t.Helper()
	outcomes := make(chan TeeOutcome, 1)
	opts.OnDone = func(o TeeOutcome) { outcomes <- o }
	tee := NewTee(src, sink, editor, expected, opts)

	data, _ := io.ReadAll(tee)
	require.NoError(t, tee.Close())
	waitDone(t, tee)
	return string(data), <-outcomes
}

func waitDone(t *testing.T, tee *Tee) {
	t.Helper()
	select {
	case <-tee.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("tee 未在超时前完成")
	}
}

func TestTeeCommitsCompleteBody(t *testing.T) {
	body := strings.Repeat("manga page ", 5000)
	sink := &bufferSink{}
	editor := &recordingCommitter{}

	got, outcome := runTee(t, io.NopCloser(strings.NewReader(body)), sink, editor, int64(len(body)), TeeOptions{ChunkSize: 1024, ReadAhead: 2})

	assert.Equal(t, body, got)
	assert.Equal(t, body, sink.String())
	assert.True(t, sink.closed)
	assert.True(t, outcome.Committed)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, int64(len(body)), outcome.Written)
	commits, aborts := editor.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, aborts)
}

func TestTeeAbortsShortBody(t *testing.T) {
	body := strings.Repeat("x", 50)
	sink := &bufferSink{}
	editor := &recordingCommitter{}

	got, outcome := runTee(t, io.NopCloser(strings.NewReader(body)), sink, editor, 100, TeeOptions{})

	assert.Equal(t, body, got)
	assert.False(t, outcome.Committed)
	assert.Equal(t, int64(50), outcome.Written)
	assert.ErrorIs(t, outcome.Err, errTeeIncomplete)
	commits, aborts := editor.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, aborts)
}

func TestTeeSinkFailureDoesNotAffectClient(t *testing.T) {
	body := strings.Repeat("abcdefgh", 1024)
	sink := &bufferSink{failAfter: 1}
	editor := &recordingCommitter{}

	got, outcome := runTee(t, io.NopCloser(strings.NewReader(body)), sink, editor, int64(len(body)), TeeOptions{ChunkSize: 512})

	assert.Equal(t, body, got)
	assert.False(t, outcome.Committed)
	assert.EqualError(t, outcome.Err, "disk full")
	commits, aborts := editor.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, aborts)
}

func TestTeeEarlyCloseAborts(t *testing.T) {
	pr, pw := io.Pipe()
	editor := &recordingCommitter{}
	outcomes := make(chan TeeOutcome, 1)
	tee := NewTee(pr, &bufferSink{}, editor, 100, TeeOptions{OnDone: func(o TeeOutcome) { outcomes <- o }})

	go func() {
		_, _ = pw.Write([]byte("0123456789"))
	}()
	buf := make([]byte, 10)
	_, err := io.ReadFull(tee, buf)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(buf))

	require.NoError(t, tee.Close())
	waitDone(t, tee)

	_, err = pw.Write([]byte("more"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	_, err = tee.Read(buf)
	assert.Error(t, err)

	outcome := <-outcomes
	assert.False(t, outcome.Committed)
	commits, aborts := editor.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, aborts)
}

func TestTeeUnknownLengthCommitsAtEOF(t *testing.T) {
	sink := &bufferSink{}
	editor := &recordingCommitter{}

	got, outcome := runTee(t, io.NopCloser(strings.NewReader("chunked body")), sink, editor, -1, TeeOptions{})

	assert.Equal(t, "chunked body", got)
	assert.True(t, outcome.Committed)
	assert.Equal(t, int64(-1), outcome.Expected)
}

func TestTeeUpstreamErrorReachesClient(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.NopCloser(io.MultiReader(strings.NewReader("head"), errReader{boom}))
	editor := &recordingCommitter{}
	outcomes := make(chan TeeOutcome, 1)
	tee := NewTee(src, &bufferSink{}, editor, -1, TeeOptions{OnDone: func(o TeeOutcome) { outcomes <- o }})

	data, err := io.ReadAll(tee)
	assert.Equal(t, "head", string(data))
	assert.ErrorIs(t, err, boom)
	waitDone(t, tee)

	outcome := <-outcomes
	assert.False(t, outcome.Committed)
	assert.ErrorIs(t, outcome.Err, boom)
}

func TestTeeRecoversCommitPanic(t *testing.T) {
	editor := &recordingCommitter{panicMsg: "boom"}

	_, outcome := runTee(t, io.NopCloser(strings.NewReader("data")), &bufferSink{}, editor, 4, TeeOptions{})

	assert.False(t, outcome.Committed)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "panicked")
	_, aborts := editor.counts()
	assert.Equal(t, 1, aborts)
}

func TestTeeWithCacheEditor(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1<<20)
	body := strings.Repeat("0123456789", 4096)

	ed, err := c.Edit("teekey")
	require.NoError(t, err)
	require.NoError(t, ed.SetString(0, "image/png"))
	w, err := ed.NewWriter(0)
	require.NoError(t, err)

	got, outcome := runTee(t, io.NopCloser(strings.NewReader(body)), w, ed, int64(len(body)), TeeOptions{})

	assert.Equal(t, body, got)
	require.True(t, outcome.Committed, "提交失败: %v", outcome.Err)
	assert.Equal(t, body, readEntry(t, c, "teekey"))
	assert.False(t, c.Editing("teekey"))
}

func TestTeeWithCacheEditorAbortsTruncatedBody(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 1<<20)

	ed, err := c.Edit("truncbody")
	require.NoError(t, err)
	w, err := ed.NewWriter(0)
	require.NoError(t, err)

	_, outcome := runTee(t, io.NopCloser(strings.NewReader("short")), w, ed, 1000, TeeOptions{})

	assert.False(t, outcome.Committed)
	_, err = c.Get("truncbody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.Editing("truncbody"))
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
