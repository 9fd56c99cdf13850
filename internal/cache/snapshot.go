package cache

import (
	"io"
	"sync"

	"github.com/go-git/go-billy/v5"
)

// Snapshot 是已提交条目的只读视图。持有期间条目文件不会被删除，使用完毕必须 Close。
type Snapshot struct {
	cache   *Cache
	entry   *entry
	key     string
	files   []billy.File
	lengths []int64
	meta    []string
	once    sync.Once
}

// Key 返回快照对应的 key。
func (s *Snapshot) Key() string {
	return s.key
}

// Reader 返回槽位的正文流。
func (s *Snapshot) Reader(slot int) io.ReadSeeker {
	return s.files[slot]
}

// Length 返回槽位的字节数。
func (s *Snapshot) Length(slot int) int64 {
	return s.lengths[slot]
}

// String 返回槽位附带的元数据字符串。
func (s *Snapshot) String(slot int) string {
	return s.meta[slot]
}

// Close 关闭文件并释放对条目的占用；若条目已被淘汰，最后一个快照关闭时删除文件。
func (s *Snapshot) Close() error {
	var first error
	s.once.Do(func() {
		for _, f := range s.files {
			if f == nil {
				continue
			}
			if err := f.Close(); err != nil && first == nil {
				first = err
			}
		}
		s.cache.release(s.entry)
	})
	return first
}
