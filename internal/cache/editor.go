package cache

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-git/go-billy/v5"
)

// Editor 是单个 key 的独占写会话，必须以 Commit 或 Abort 结束。
type Editor struct {
	cache *Cache
	entry *entry

	mu      sync.Mutex
	written []bool
	meta    []string
	writers []*slotWriter
	failed  bool
	done    bool
}

// Key 返回正在写入的 key。
func (ed *Editor) Key() string {
	return ed.entry.key
}

// NewWriter 为指定槽位创建写入流，重复调用会截断之前写入的内容。
func (ed *Editor) NewWriter(slot int) (io.WriteCloser, error) {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	if ed.done {
		return nil, ErrEditorClosed
	}
	if slot < 0 || slot >= len(ed.written) {
		return nil, fmt.Errorf("slot %d out of range", slot)
	}

	c := ed.cache
	key := ed.entry.key
	if err := c.fs.MkdirAll(c.entryDir(key), 0o755); err != nil {
		return nil, fmt.Errorf("create entry directory: %w", err)
	}
	f, err := c.fs.Create(c.dirtyPath(key, slot))
	if err != nil {
		return nil, fmt.Errorf("create dirty file: %w", err)
	}
	ed.written[slot] = true
	w := &slotWriter{editor: ed, file: f}
	ed.writers = append(ed.writers, w)
	return w, nil
}

// SetString 记录槽位附带的元数据字符串，随 CLEAN 记录一起持久化。
func (ed *Editor) SetString(slot int, value string) error {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	if ed.done {
		return ErrEditorClosed
	}
	if slot < 0 || slot >= len(ed.meta) {
		return fmt.Errorf("slot %d out of range", slot)
	}
	ed.meta[slot] = value
	return nil
}

// Commit 发布写入结果。新条目要求所有槽位都已写入；写入失败时自动放弃。
func (ed *Editor) Commit() error {
	ed.mu.Lock()
	if ed.done {
		ed.mu.Unlock()
		return ErrEditorClosed
	}
	ed.done = true
	closeErr := ed.closeWritersLocked()
	failed := ed.failed || closeErr != nil
	written := append([]bool(nil), ed.written...)
	meta := append([]string(nil), ed.meta...)
	ed.mu.Unlock()

	c := ed.cache
	if failed {
		_ = c.abortEdit(ed)
		if closeErr != nil {
			return fmt.Errorf("%w: %v", ErrEditFailed, closeErr)
		}
		return ErrEditFailed
	}

	c.mu.Lock()
	closed := c.closed
	readable := ed.entry.readable
	lengths := append([]int64(nil), ed.entry.lengths...)
	c.mu.Unlock()
	if closed {
		_ = c.abortEdit(ed)
		return ErrClosed
	}
	if !readable {
		for slot, ok := range written {
			if !ok {
				_ = c.abortEdit(ed)
				return fmt.Errorf("%w: slot %d not written", ErrIncompleteEdit, slot)
			}
		}
	}

	key := ed.entry.key
	for slot, ok := range written {
		if !ok {
			continue
		}
		dirty := c.dirtyPath(key, slot)
		info, err := c.fs.Stat(dirty)
		if err == nil {
			err = c.replaceFile(dirty, c.cleanPath(key, slot))
		}
		if err != nil {
			_ = c.abortEdit(ed)
			return fmt.Errorf("%w: %v", ErrEditFailed, err)
		}
		lengths[slot] = info.Size()
	}

	c.mu.Lock()
	e := ed.entry
	var previous int64
	if e.readable {
		previous = e.total()
	}
	e.lengths = lengths
	e.meta = meta
	e.readable = true
	e.editor = nil
	c.size += e.total() - previous
	c.lru.MoveToFront(e.elem)
	c.redundantOps++
	err := c.appendAfter(true, cleanRecord(e))

	c.trim()
	c.maybeCompact()
	if err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("journal clean %s: %w", key, err)
	}
	return nil
}

// Abort 放弃写入并删除临时文件；对已结束的 Editor 调用不产生任何效果。
func (ed *Editor) Abort() error {
	ed.mu.Lock()
	if ed.done {
		ed.mu.Unlock()
		return nil
	}
	ed.done = true
	_ = ed.closeWritersLocked()
	ed.mu.Unlock()
	return ed.cache.abortEdit(ed)
}

func (ed *Editor) closeWritersLocked() error {
	var first error
	for _, w := range ed.writers {
		if err := w.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (ed *Editor) markFailed() {
	ed.mu.Lock()
	ed.failed = true
	ed.mu.Unlock()
}

// abortEdit 删除临时文件并恢复索引：从未提交过的条目被移除，已有旧值的条目保留旧值。
func (c *Cache) abortEdit(ed *Editor) error {
	key := ed.entry.key
	for slot := 0; slot < c.valueCount; slot++ {
		_ = c.fs.Remove(c.dirtyPath(key, slot))
	}

	c.mu.Lock()
	e := ed.entry
	if e.editor != ed {
		c.mu.Unlock()
		return nil
	}
	e.editor = nil
	var record string
	if e.readable {
		record = cleanRecord(e)
	} else {
		c.lru.Remove(e.elem)
		delete(c.entries, key)
		record = recordRemove + " " + key
	}
	c.redundantOps++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	return c.appendAfter(true, record)
}

// slotWriter 记录写入错误，使 Commit 能够拒绝不完整的数据。
type slotWriter struct {
	editor *Editor
	file   billy.File
	once   sync.Once
	err    error
}

func (w *slotWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		w.editor.markFailed()
	}
	return n, err
}

// Close 关闭底层文件；Commit/Abort 会兜底关闭未关闭的写入流。
func (w *slotWriter) Close() error {
	err := w.close()
	if err != nil {
		w.editor.markFailed()
	}
	return err
}

func (w *slotWriter) close() error {
	w.once.Do(func() {
		w.err = w.file.Close()
	})
	return w.err
}
