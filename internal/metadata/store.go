// Package metadata keeps the per-image side records (content type and
// last-modified) that accompany cached image bodies. Records live in a
// goleveldb database next to the image cache and are gob encoded.
package metadata

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const recordPrefix = "img:"

// ErrClosed 表示存储已关闭。
var ErrClosed = errors.New("metadata store closed")

// Record 是单张图片的附属信息，在回源时写入，命中时用于响应头。
type Record struct {
	ContentType  string
	LastModified string
}

// Store 以 goleveldb 保存 Record，所有访问经由同一把锁串行化。
type Store struct {
	mu     sync.Mutex
	db     *leveldb.DB
	closed bool
}

// Open 打开（必要时创建）path 下的数据库；检测到损坏时尝试恢复。
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lverrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open metadata db %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Get 返回 key 对应的记录；不存在时 ok 为 false。
func (s *Store) Get(key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	raw, err := s.db.Get(recordKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return Record{}, false, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return rec, true, nil
}

// Put 写入或覆盖记录。
func (s *Store) Put(key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.putLocked(key, rec)
}

// PutIfAbsent 仅在记录不存在时写入，返回是否发生了写入。
func (s *Store) PutIfAbsent(key string, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	exists, err := s.db.Has(recordKey(key), nil)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	return true, s.putLocked(key, rec)
}

func (s *Store) putLocked(key string, rec Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}
	return s.db.Put(recordKey(key), buf.Bytes(), nil)
}

// Delete 删除记录，不存在时不报错。
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Delete(recordKey(key), nil)
}

// Count 遍历并统计记录数量，仅用于诊断。
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Close 关闭数据库，重复调用安全。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func recordKey(key string) []byte {
	return []byte(recordPrefix + key)
}
