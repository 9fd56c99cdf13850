package cache

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBusy 表示该 key 已有写入会话，或旧文件仍被快照占用。
	ErrBusy = errors.New("cache entry busy")
	// ErrClosed 表示缓存已关闭，不再接受新的读写。
	ErrClosed = errors.New("cache closed")
	// ErrInvalidKey 表示 key 不满足 [a-z0-9_-]{1,120}。
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrVersionMismatch 表示日志头记录的 schema 版本或槽位数与当前不一致。
	ErrVersionMismatch = errors.New("cache journal version mismatch")
	// ErrCorrupt 表示日志中间出现无法解析的记录。
	ErrCorrupt = errors.New("cache journal corrupt")
	// ErrIncompleteEdit 表示新条目提交时存在未写入的槽位。
	ErrIncompleteEdit = errors.New("cache edit incomplete")
	// ErrEditFailed 表示写入过程中出现 I/O 错误，提交被放弃。
	ErrEditFailed = errors.New("cache edit failed")
	// ErrEditorClosed 表示 Editor 已经提交或放弃。
	ErrEditorClosed = errors.New("cache editor already finished")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

const shardPrefixLen = 8

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Option 调整 Cache 的可选行为。
type Option func(*Cache)

// WithEvictionObserver 在条目因容量被淘汰后回调，供指标统计使用。
func WithEvictionObserver(fn func(key string, size int64)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// shardDirs 将 key 的前 8 个字符按两位一组拆成目录层级。
func shardDirs(key string) []string {
	prefix := key
	if len(prefix) > shardPrefixLen {
		prefix = prefix[:shardPrefixLen]
	}
	dirs := make([]string, 0, shardPrefixLen/2)
	for i := 0; i+2 <= len(prefix); i += 2 {
		dirs = append(dirs, prefix[i:i+2])
	}
	return dirs
}

func (c *Cache) entryDir(key string) string {
	dirs := shardDirs(key)
	if len(dirs) == 0 {
		return "."
	}
	return c.fs.Join(dirs...)
}

func (c *Cache) cleanPath(key string, slot int) string {
	return c.fs.Join(append(shardDirs(key), fmt.Sprintf("%s.%d", key, slot))...)
}

func (c *Cache) dirtyPath(key string, slot int) string {
	return c.cleanPath(key, slot) + tmpSuffix
}

// parseEntryFile 识别 <key>.<slot> 形式的正文文件名。
func parseEntryFile(name string) (string, int, bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return "", 0, false
	}
	key, suffix := name[:idx], name[idx+1:]
	if validateKey(key) != nil {
		return "", 0, false
	}
	slot := 0
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return "", 0, false
		}
		slot = slot*10 + int(r-'0')
	}
	return key, slot, true
}
