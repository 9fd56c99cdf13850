package cache

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	defaultTeeChunkSize = 32 * 1024
	defaultTeeReadAhead = 16
)

var (
	errTeeClosed     = errors.New("tee reader closed")
	errTeeIncomplete = errors.New("upstream body incomplete")
)

// Committer 是 Tee 在结束时发布或放弃缓存写入所需的最小接口，*Editor 满足该接口。
type Committer interface {
	Commit() error
	Abort() error
}

// TeeOptions 控制 Tee 的缓冲与完成回调。
type TeeOptions struct {
	// ChunkSize 是单次读取上游的缓冲大小。
	ChunkSize int
	// ReadAhead 是前台与缓存两个方向各自允许积压的块数，超过后对上游施加背压。
	ReadAhead int
	// OnDone 在提交或放弃之后调用，恰好一次。
	OnDone func(TeeOutcome)
}

// TeeOutcome 描述一次 Tee 的结束状态。
type TeeOutcome struct {
	Committed bool
	Written   int64
	Expected  int64
	Err       error
}

// Tee 将上游正文同时交给前台读取方与缓存写入方。后台 goroutine 读取上游并分别推入
// 两个有界队列；缓存写入失败只影响缓存，前台读取不受影响。上游读取结束且缓存队列
// 排空后，按写入字节数决定提交或放弃。
type Tee struct {
	src      io.ReadCloser
	sink     io.WriteCloser
	editor   Committer
	expected int64
	chunk    int
	onDone   func(TeeOutcome)

	forward chan []byte
	store   chan []byte
	stop    chan struct{}
	done    chan struct{}

	// 由 pump 写入，在 forward/store 关闭前完成。
	eof     bool
	readErr error

	// 由 persist 写入。
	written  int64
	writeErr error

	pending   []byte
	closed    atomic.Bool
	closeOnce sync.Once
	srcOnce   sync.Once
}

// NewTee 启动后台读取。expected < 0 表示长度未知，此时以读到 EOF 作为完整的判定。
func NewTee(src io.ReadCloser, sink io.WriteCloser, editor Committer, expected int64, opts TeeOptions) *Tee {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultTeeChunkSize
	}
	readAhead := opts.ReadAhead
	if readAhead <= 0 {
		readAhead = defaultTeeReadAhead
	}
	t := &Tee{
		src:      src,
		sink:     sink,
		editor:   editor,
		expected: expected,
		chunk:    chunk,
		onDone:   opts.OnDone,
		forward:  make(chan []byte, readAhead),
		store:    make(chan []byte, readAhead),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.pump()
	go t.persist()
	return t
}

// Read 从前台队列读取数据；上游错误原样返回，与缓存状态无关。
func (t *Tee) Read(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, errTeeClosed
	}
	for len(t.pending) == 0 {
		chunk, ok := <-t.forward
		if !ok {
			if t.readErr != nil {
				return 0, t.readErr
			}
			return 0, io.EOF
		}
		t.pending = chunk
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

// Close 停止后台读取并关闭上游。不会等待缓存写入，也不会返回缓存错误。
func (t *Tee) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.stop)
		t.closeSource()
	})
	return nil
}

// Done 在提交或放弃完成后关闭。
func (t *Tee) Done() <-chan struct{} {
	return t.done
}

func (t *Tee) closeSource() {
	t.srcOnce.Do(func() {
		_ = t.src.Close()
	})
}

func (t *Tee) pump() {
	defer close(t.store)
	defer close(t.forward)
	defer t.closeSource()

	for {
		buf := make([]byte, t.chunk)
		n, err := t.src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			select {
			case t.store <- chunk:
			case <-t.stop:
				return
			}
			select {
			case t.forward <- chunk:
			case <-t.stop:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.eof = true
			} else {
				t.readErr = err
			}
			return
		}
	}
}

func (t *Tee) persist() {
	for chunk := range t.store {
		if t.writeErr != nil {
			continue
		}
		n, err := t.sink.Write(chunk)
		t.written += int64(n)
		if err == nil && n < len(chunk) {
			err = io.ErrShortWrite
		}
		if err != nil {
			t.writeErr = err
		}
	}
	t.finish()
}

func (t *Tee) finish() {
	outcome := TeeOutcome{Expected: t.expected}
	defer func() {
		t.notify(outcome)
		close(t.done)
	}()

	closeErr := t.sink.Close()
	outcome.Written = t.written

	complete := t.writeErr == nil && closeErr == nil
	if t.expected >= 0 {
		complete = complete && t.written == t.expected
	} else {
		complete = complete && t.eof
	}
	if !complete {
		outcome.Err = firstError(t.writeErr, closeErr, t.readErr, errTeeIncomplete)
		if err := t.safely(t.editor.Abort); err != nil && outcome.Err == nil {
			outcome.Err = err
		}
		return
	}

	if err := t.safely(t.editor.Commit); err != nil {
		outcome.Err = err
		_ = t.safely(t.editor.Abort)
		return
	}
	outcome.Committed = true
}

// safely 调用提交/放弃，将 panic 转换为错误，保证完成流程总能走完。
func (t *Tee) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache finalize panicked: %v", r)
		}
	}()
	return fn()
}

func (t *Tee) notify(outcome TeeOutcome) {
	if t.onDone == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	t.onDone(outcome)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
