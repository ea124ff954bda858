package storage

import (
	"fmt"
	"sync"
)

// Quota caps the total size of stored values, like a browser's local storage limit
type Quota struct {
	Storage
	limit int64

	mu    sync.Mutex
	sizes map[string]int64
	used  int64
}

// WithQuota wraps s so that Set fails with ErrQuotaExceeded past limit bytes.
// Values already in s count toward the limit: they are measured up front when s is a
// Lister, otherwise the first Get or Set of each key measures it.
func WithQuota(s Storage, limit int64) *Quota {
	q := &Quota{Storage: s, limit: limit, sizes: make(map[string]int64)}
	if l, ok := s.(Lister); ok {
		if keys, err := l.Keys(); err == nil {
			for _, k := range keys {
				q.measureLocked(k)
			}
		}
	}
	return q
}

// measureLocked records the stored size of key once
func (q *Quota) measureLocked(key string) {
	if _, ok := q.sizes[key]; ok {
		return
	}
	v, err := q.Storage.Get(key)
	if err != nil {
		return
	}
	q.sizes[key] = int64(len(v))
	q.used += int64(len(v))
}

func (q *Quota) Get(key string) ([]byte, error) {
	v, err := q.Storage.Get(key)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	if _, ok := q.sizes[key]; !ok {
		q.sizes[key] = int64(len(v))
		q.used += int64(len(v))
	}
	q.mu.Unlock()
	return v, nil
}

func (q *Quota) Set(key string, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.measureLocked(key)
	next := q.used - q.sizes[key] + int64(len(value))
	if next > q.limit {
		return fmt.Errorf("writing %s (%d bytes): %w", key, len(value), ErrQuotaExceeded)
	}
	if err := q.Storage.Set(key, value); err != nil {
		return err
	}
	q.used = next
	q.sizes[key] = int64(len(value))
	return nil
}

func (q *Quota) Delete(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.Storage.Delete(key); err != nil {
		return err
	}
	q.used -= q.sizes[key]
	delete(q.sizes, key)
	return nil
}

func (q *Quota) Keys() ([]string, error) {
	l, ok := q.Storage.(Lister)
	if !ok {
		return nil, fmt.Errorf("storage cannot list keys")
	}
	return l.Keys()
}

// Used returns the number of bytes currently accounted for
func (q *Quota) Used() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}
