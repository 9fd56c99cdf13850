package cache

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// 日志格式：
//
//	mdhome.diskcache
//	1
//	<schemaVersion>
//	<valueCount>
//
//	DIRTY <key>
//	CLEAN <key> <len>... =<meta>...
//	REMOVE <key>
//	READ <key>
//
// DIRTY 必须先于正文文件落盘；重放时最后一条为 DIRTY 的条目视为中断写入并丢弃。
const (
	journalFile    = "journal"
	journalTmp     = "tmp.journal"
	journalBackup  = "bkp.journal"
	journalMagic   = "mdhome.diskcache"
	journalVersion = "1"

	recordClean  = "CLEAN"
	recordDirty  = "DIRTY"
	recordRemove = "REMOVE"
	recordRead   = "READ"

	tmpSuffix = ".tmp"

	compactThreshold = 2000
)

type syncer interface {
	Sync() error
}

// readJournal 重放日志并重建内存索引；torn 表示末尾存在未写完的记录。
func (c *Cache) readJournal() (torn bool, err error) {
	f, err := c.fs.Open(journalFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]string, 5)
	for i := range header {
		line, err := r.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("%w: truncated header", ErrCorrupt)
		}
		header[i] = strings.TrimSuffix(line, "\n")
	}
	if header[0] != journalMagic || header[1] != journalVersion || header[4] != "" {
		return false, fmt.Errorf("%w: unexpected header %q", ErrCorrupt, header)
	}
	if header[2] != strconv.Itoa(c.schemaVersion) || header[3] != strconv.Itoa(c.valueCount) {
		return false, fmt.Errorf("%w: journal has schema %s with %s slots, want %d with %d",
			ErrVersionMismatch, header[2], header[3], c.schemaVersion, c.valueCount)
	}

	lines := 0
	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if line != "" {
				torn = true
			}
			break
		}
		if err != nil {
			return false, err
		}
		if applyErr := c.applyRecord(strings.TrimSuffix(line, "\n")); applyErr != nil {
			if _, peekErr := r.Peek(1); errors.Is(peekErr, io.EOF) {
				torn = true
				break
			}
			return false, fmt.Errorf("%w: line %d: %v", ErrCorrupt, lines+1, applyErr)
		}
		lines++
	}
	c.redundantOps = lines - len(c.entries)
	return torn, nil
}

func (c *Cache) applyRecord(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return fmt.Errorf("malformed record %q", line)
	}
	kind, key := parts[0], parts[1]
	if err := validateKey(key); err != nil {
		return err
	}

	if kind == recordRemove {
		if len(parts) != 2 {
			return fmt.Errorf("malformed remove %q", line)
		}
		if e, ok := c.entries[key]; ok {
			c.lru.Remove(e.elem)
			delete(c.entries, key)
		}
		return nil
	}

	switch kind {
	case recordClean:
		if len(parts) != 2+2*c.valueCount {
			return fmt.Errorf("malformed clean %q", line)
		}
		lengths := make([]int64, c.valueCount)
		meta := make([]string, c.valueCount)
		for i := 0; i < c.valueCount; i++ {
			n, err := strconv.ParseInt(parts[2+i], 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("bad length %q", parts[2+i])
			}
			lengths[i] = n
			decoded, err := decodeMeta(parts[2+c.valueCount+i])
			if err != nil {
				return err
			}
			meta[i] = decoded
		}
		e := c.touchReplay(key)
		e.lengths = lengths
		e.meta = meta
		e.readable = true
		e.pending = false
	case recordDirty:
		if len(parts) != 2 {
			return fmt.Errorf("malformed dirty %q", line)
		}
		c.touchReplay(key).pending = true
	case recordRead:
		if len(parts) != 2 {
			return fmt.Errorf("malformed read %q", line)
		}
		c.touchReplay(key)
	default:
		return fmt.Errorf("unknown record %q", kind)
	}
	return nil
}

// touchReplay 取出或创建条目，并按访问顺序移到最近使用端。
func (c *Cache) touchReplay(key string) *entry {
	if e, ok := c.entries[key]; ok {
		c.lru.MoveToFront(e.elem)
		return e
	}
	e := c.newEntry(key)
	return e
}

func encodeMeta(value string) string {
	return "=" + base64.RawURLEncoding.EncodeToString([]byte(value))
}

func decodeMeta(field string) (string, error) {
	if !strings.HasPrefix(field, "=") {
		return "", fmt.Errorf("bad metadata %q", field)
	}
	raw, err := base64.RawURLEncoding.DecodeString(field[1:])
	if err != nil {
		return "", fmt.Errorf("bad metadata %q: %v", field, err)
	}
	return string(raw), nil
}

func cleanRecord(e *entry) string {
	var b strings.Builder
	b.WriteString(recordClean)
	b.WriteByte(' ')
	b.WriteString(e.key)
	for _, n := range e.lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(n, 10))
	}
	for _, m := range e.meta {
		b.WriteByte(' ')
		b.WriteString(encodeMeta(m))
	}
	return b.String()
}

// journalLinesLocked 按最久未使用到最近使用的顺序导出压缩后的日志记录。
func (c *Cache) journalLinesLocked() []string {
	lines := make([]string, 0, len(c.entries))
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.editor != nil {
			lines = append(lines, recordDirty+" "+e.key)
			continue
		}
		if e.readable {
			lines = append(lines, cleanRecord(e))
		}
	}
	return lines
}

// rewriteJournalLocked 以临时文件 + rename 的方式重写日志，调用方需持有 jmu。
func (c *Cache) rewriteJournalLocked(lines []string) error {
	tmp, err := c.fs.Create(journalTmp)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	w := bufio.NewWriter(tmp)
	header := []string{journalMagic, journalVersion, strconv.Itoa(c.schemaVersion), strconv.Itoa(c.valueCount), ""}
	for _, line := range append(header, lines...) {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	err = w.Flush()
	if err == nil {
		if s, ok := tmp.(syncer); ok {
			err = s.Sync()
		}
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = c.fs.Remove(journalTmp)
		return fmt.Errorf("write journal: %w", err)
	}

	c.closeJournalLocked()

	if _, err := c.fs.Stat(journalFile); err == nil {
		_ = c.fs.Remove(journalBackup)
		if err := c.fs.Rename(journalFile, journalBackup); err != nil {
			return fmt.Errorf("backup journal: %w", err)
		}
	}
	if err := c.fs.Rename(journalTmp, journalFile); err != nil {
		return fmt.Errorf("install journal: %w", err)
	}
	_ = c.fs.Remove(journalBackup)

	return c.openJournalLocked()
}

func (c *Cache) openJournalLocked() error {
	f, err := c.fs.OpenFile(journalFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	c.journal = f
	c.jw = bufio.NewWriter(f)
	return nil
}

func (c *Cache) closeJournalLocked() error {
	if c.journal == nil {
		return nil
	}
	err := c.jw.Flush()
	if s, ok := c.journal.(syncer); ok && err == nil {
		err = s.Sync()
	}
	if closeErr := c.journal.Close(); err == nil {
		err = closeErr
	}
	c.journal = nil
	c.jw = nil
	return err
}

// appendLocked 追加记录，调用方需持有 jmu。
func (c *Cache) appendLocked(flush bool, records ...string) error {
	if c.jw == nil {
		return ErrClosed
	}
	for _, record := range records {
		c.jw.WriteString(record)
		c.jw.WriteByte('\n')
	}
	if flush {
		return c.jw.Flush()
	}
	return nil
}

// handoffLocked 在持有 mu 时获取 jmu 再释放 mu，使日志顺序与索引变更顺序一致，
// 同时不在索引锁内做 I/O。
func (c *Cache) handoffLocked() {
	c.jmu.Lock()
	c.mu.Unlock()
}

// appendAfter 与 handoffLocked 配合：调用时持有 mu，返回时两把锁都已释放。
func (c *Cache) appendAfter(flush bool, records ...string) error {
	c.handoffLocked()
	defer c.jmu.Unlock()
	return c.appendLocked(flush, records...)
}

// maybeCompact 在冗余记录过多时重写日志。
func (c *Cache) maybeCompact() {
	c.mu.Lock()
	if c.closed || c.redundantOps < compactThreshold || c.redundantOps < len(c.entries) {
		c.mu.Unlock()
		return
	}
	lines := c.journalLinesLocked()
	c.redundantOps = 0
	c.handoffLocked()
	defer c.jmu.Unlock()
	if c.jw == nil {
		return
	}
	_ = c.rewriteJournalLocked(lines)
}
