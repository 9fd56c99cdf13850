package cache

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// Cache 是以字节为上限、按 LRU 淘汰的磁盘缓存。索引变更由 mu 保护，日志写入由
// jmu 保护；两者按 mu → jmu 的顺序交接，保证日志顺序与索引一致。
type Cache struct {
	fs            billy.Filesystem
	schemaVersion int
	valueCount    int
	maxSize       int64
	onEvict       func(key string, size int64)

	mu           sync.Mutex
	entries      map[string]*entry
	doomed       map[string]*entry
	lru          *list.List
	size         int64
	redundantOps int
	closed       bool

	jmu     sync.Mutex
	journal billy.File
	jw      *bufio.Writer
}

type entry struct {
	key      string
	lengths  []int64
	meta     []string
	readable bool
	pending  bool
	editor   *Editor
	readers  int
	doomed   bool
	deleting bool
	elem     *list.Element
}

func (e *entry) total() int64 {
	var sum int64
	for _, n := range e.lengths {
		sum += n
	}
	return sum
}

// Open 以 dir 为根目录打开（或新建）缓存。
func Open(dir string, schemaVersion, valueCount int, maxSize int64, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return OpenFS(osfs.New(dir), schemaVersion, valueCount, maxSize, opts...)
}

// OpenFS 在给定文件系统上打开缓存：重放日志、丢弃中断的写入、校验文件尺寸并清理残留文件。
func OpenFS(fs billy.Filesystem, schemaVersion, valueCount int, maxSize int64, opts ...Option) (*Cache, error) {
	if valueCount <= 0 {
		return nil, errors.New("valueCount must be positive")
	}
	if maxSize <= 0 {
		return nil, errors.New("maxSize must be positive")
	}

	c := &Cache{
		fs:            fs,
		schemaVersion: schemaVersion,
		valueCount:    valueCount,
		maxSize:       maxSize,
		entries:       make(map[string]*entry),
		doomed:        make(map[string]*entry),
		lru:           list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.restoreBackup(); err != nil {
		return nil, err
	}

	rebuild := false
	torn, err := c.readJournal()
	switch {
	case err == nil:
		rebuild = torn
	case errors.Is(err, os.ErrNotExist):
		rebuild = true
	default:
		return nil, err
	}

	if c.processJournal() {
		rebuild = true
	}
	if err := c.sweep("."); err != nil {
		return nil, fmt.Errorf("sweep cache directory: %w", err)
	}

	c.jmu.Lock()
	if rebuild {
		c.mu.Lock()
		lines := c.journalLinesLocked()
		c.redundantOps = 0
		c.mu.Unlock()
		err = c.rewriteJournalLocked(lines)
	} else {
		err = c.openJournalLocked()
	}
	c.jmu.Unlock()
	if err != nil {
		return nil, err
	}

	c.trim()
	return c, nil
}

func (c *Cache) restoreBackup() error {
	if _, err := c.fs.Stat(journalBackup); err != nil {
		return nil
	}
	if _, err := c.fs.Stat(journalFile); err == nil {
		return c.fs.Remove(journalBackup)
	}
	if err := c.fs.Rename(journalBackup, journalFile); err != nil {
		return fmt.Errorf("restore journal backup: %w", err)
	}
	return nil
}

// processJournal 丢弃中断写入与文件缺失/尺寸不符的条目，返回是否有条目被丢弃。
func (c *Cache) processJournal() bool {
	dropped := false
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.pending || !e.readable || !c.filesMatch(e) {
			c.deleteFiles(e.key)
			c.lru.Remove(el)
			delete(c.entries, e.key)
			dropped = true
		} else {
			c.size += e.total()
		}
		el = next
	}
	return dropped
}

func (c *Cache) filesMatch(e *entry) bool {
	for i, want := range e.lengths {
		info, err := c.fs.Stat(c.cleanPath(e.key, i))
		if err != nil || info.IsDir() || info.Size() != want {
			return false
		}
	}
	return true
}

// sweep 删除残留的临时文件以及索引之外的正文文件。
func (c *Cache) sweep(dir string) error {
	infos, err := c.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, info := range infos {
		name := info.Name()
		p := c.fs.Join(dir, name)
		if info.IsDir() {
			if err := c.sweep(p); err != nil {
				return err
			}
			continue
		}
		if dir == "." && (name == journalFile || name == journalBackup) {
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) || (dir == "." && name == journalTmp) {
			_ = c.fs.Remove(p)
			continue
		}
		key, slot, ok := parseEntryFile(name)
		if !ok {
			continue
		}
		if e, live := c.entries[key]; live && slot < c.valueCount && p == c.cleanPath(key, slot) && e.readable {
			continue
		}
		_ = c.fs.Remove(p)
	}
	return nil
}

func (c *Cache) newEntry(key string) *entry {
	e := &entry{
		key:     key,
		lengths: make([]int64, c.valueCount),
		meta:    make([]string, c.valueCount),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	return e
}

// Get 返回已提交条目的快照，不存在时返回 ErrNotFound。读取计为一次访问。
func (c *Cache) Get(key string) (*Snapshot, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := c.entries[key]
	if !ok || !e.readable {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	e.readers++
	c.lru.MoveToFront(e.elem)
	c.redundantOps++
	meta := append([]string(nil), e.meta...)
	_ = c.appendAfter(false, recordRead+" "+key)

	snap := &Snapshot{
		cache:   c,
		entry:   e,
		key:     key,
		files:   make([]billy.File, c.valueCount),
		lengths: make([]int64, c.valueCount),
		meta:    meta,
	}
	for i := range snap.files {
		f, err := c.fs.Open(c.cleanPath(key, i))
		if err == nil {
			snap.lengths[i], err = fileLength(f)
			snap.files[i] = f
		}
		if err != nil {
			snap.Close()
			if errors.Is(err, os.ErrNotExist) {
				_, _ = c.Remove(key)
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("open cache entry %s: %w", key, err)
		}
	}

	c.maybeCompact()
	return snap, nil
}

func fileLength(f billy.File) (int64, error) {
	n, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return n, nil
}

// Edit 打开该 key 的独占写会话。已有写会话，或旧文件仍被快照占用时返回 ErrBusy。
func (c *Cache) Edit(key string) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, pinned := c.doomed[key]; pinned {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	e, ok := c.entries[key]
	if ok && e.editor != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if !ok {
		e = c.newEntry(key)
	} else {
		c.lru.MoveToFront(e.elem)
	}
	ed := &Editor{
		cache:   c,
		entry:   e,
		written: make([]bool, c.valueCount),
		meta:    append([]string(nil), e.meta...),
	}
	e.editor = ed

	if err := c.appendAfter(true, recordDirty+" "+key); err != nil {
		_ = ed.Abort()
		return nil, fmt.Errorf("journal dirty %s: %w", key, err)
	}
	return ed, nil
}

// Remove 删除已提交的条目；条目不存在或正在写入时返回 false。
func (c *Cache) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	e, ok := c.entries[key]
	if !ok || e.editor != nil || !e.readable {
		c.mu.Unlock()
		return false, nil
	}
	purge := c.detachLocked(e)
	err := c.appendAfter(true, recordRemove+" "+key)

	if purge {
		c.purge(e)
	}
	c.maybeCompact()
	return true, err
}

// Editing 返回该 key 当前是否存在未完成的写会话。
func (c *Cache) Editing(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.editor != nil
}

// Size 返回已提交条目的总字节数。
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize 返回容量上限。
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Len 返回已提交条目的数量。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.readable {
			n++
		}
	}
	return n
}

// Close 放弃所有未完成的写会话并关闭日志；之后的 Get/Edit 返回 ErrClosed。
// 已打开的快照仍可读取并正常关闭。
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var editors []*Editor
	for _, e := range c.entries {
		if e.editor != nil {
			editors = append(editors, e.editor)
		}
	}
	c.mu.Unlock()

	for _, ed := range editors {
		_ = ed.Abort()
	}

	c.jmu.Lock()
	defer c.jmu.Unlock()
	return c.closeJournalLocked()
}

// detachLocked 将条目移出索引；仍有快照打开时延后到最后一个快照关闭再删除文件。
// 返回 true 表示调用方应立即删除文件。
func (c *Cache) detachLocked(e *entry) bool {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	if e.readable {
		c.size -= e.total()
	}
	e.readable = false
	e.doomed = true
	c.doomed[e.key] = e
	c.redundantOps++
	if e.readers == 0 {
		e.deleting = true
		return true
	}
	return false
}

// release 在快照关闭时调用。
func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.readers--
	purge := e.readers == 0 && e.doomed && !e.deleting
	if purge {
		e.deleting = true
	}
	c.mu.Unlock()
	if purge {
		c.purge(e)
	}
}

func (c *Cache) purge(e *entry) {
	c.deleteFiles(e.key)
	c.mu.Lock()
	if c.doomed[e.key] == e {
		delete(c.doomed, e.key)
	}
	c.mu.Unlock()
}

func (c *Cache) deleteFiles(key string) {
	for i := 0; i < c.valueCount; i++ {
		_ = c.fs.Remove(c.cleanPath(key, i))
		_ = c.fs.Remove(c.dirtyPath(key, i))
	}
}

// trim 从最久未使用端淘汰条目直到总量不超过上限，跳过正在写入的条目。
func (c *Cache) trim() {
	c.mu.Lock()
	if c.closed || c.size <= c.maxSize {
		c.mu.Unlock()
		return
	}
	var victims, purge []*entry
	var records []string
	for el := c.lru.Back(); el != nil && c.size > c.maxSize; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.editor == nil && e.readable {
			if c.detachLocked(e) {
				purge = append(purge, e)
			}
			victims = append(victims, e)
			records = append(records, recordRemove+" "+e.key)
		}
		el = prev
	}
	if len(victims) == 0 {
		c.mu.Unlock()
		return
	}
	_ = c.appendAfter(true, records...)

	for _, e := range purge {
		c.purge(e)
	}
	if c.onEvict != nil {
		for _, e := range victims {
			c.onEvict(e.key, e.total())
		}
	}
	c.maybeCompact()
}

// replaceFile 将 src 重命名为 dst；部分文件系统不允许覆盖已存在的目标。
func (c *Cache) replaceFile(src, dst string) error {
	err := c.fs.Rename(src, dst)
	if err == nil {
		return nil
	}
	if _, statErr := c.fs.Stat(dst); statErr != nil {
		return err
	}
	if rmErr := c.fs.Remove(dst); rmErr != nil {
		return err
	}
	return c.fs.Rename(src, dst)
}
