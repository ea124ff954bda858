// Package storage provides the key/value persistence adapter used for sessions,
// settings and backups. Values are opaque JSON documents addressed by string keys.
package storage

import (
	"errors"
	"fmt"
)

// Keys used by the chat core
const (
	KeySessions       = "pakningR1_chatSessions"
	KeyCurrentSession = "pakningR1_currentSession"
	KeyBackups        = "pakningR1_backups"
	KeySettings       = "pakningR1_settings"
)

// Drivers accepted by Open
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

var (
	// ErrNotFound is returned by Get when the key has never been written
	ErrNotFound = errors.New("key not found")
	// ErrQuotaExceeded is returned by Set when the write would exceed the configured quota
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Storage is a string-keyed blob store
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Lister is implemented by adapters that can enumerate their keys
type Lister interface {
	Keys() ([]string, error)
}

// Options selects and configures an adapter
type Options struct {
	Driver     string
	Path       string
	QuotaBytes int64
}

// Open builds the adapter named by opts.Driver, wrapped with a quota when QuotaBytes > 0
func Open(opts Options) (Storage, error) {
	var (
		s   Storage
		err error
	)
	switch opts.Driver {
	case DriverSQLite, "":
		s, err = NewSQLite(opts.Path)
	case DriverFile:
		s, err = NewFile(opts.Path)
	case DriverMemory:
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if opts.QuotaBytes > 0 {
		return WithQuota(s, opts.QuotaBytes), nil
	}
	return s, nil
}
