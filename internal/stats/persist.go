package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mdnet/mdhome/internal/cache"
)

// CacheKey 是统计快照在磁盘缓存中的 key。
const CacheKey = "statistics"

// Save 将当前快照写入缓存，顺带刷新磁盘占用。其他写入方占用该 key 时静默跳过。
func (s *Stats) Save(c *cache.Cache) error {
	s.SetBytesOnDisk(c.Size())
	payload, err := json.Marshal(s.Snapshot())
	if err != nil {
		return err
	}

	ed, err := c.Edit(CacheKey)
	if errors.Is(err, cache.ErrBusy) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("edit statistics: %w", err)
	}
	w, err := ed.NewWriter(0)
	if err != nil {
		_ = ed.Abort()
		return err
	}
	if _, err := w.Write(payload); err != nil {
		_ = ed.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		_ = ed.Abort()
		return err
	}
	return ed.Commit()
}

// Load 从缓存恢复快照；不存在时返回 false 且计数器保持为零。
func (s *Stats) Load(c *cache.Cache) (bool, error) {
	snap, err := c.Get(CacheKey)
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer snap.Close()

	raw, err := io.ReadAll(snap.Reader(0))
	if err != nil {
		return false, err
	}
	var restored Snapshot
	if err := json.Unmarshal(raw, &restored); err != nil {
		return false, fmt.Errorf("decode statistics: %w", err)
	}
	s.Restore(restored)
	s.SetBytesOnDisk(c.Size())
	return true, nil
}
