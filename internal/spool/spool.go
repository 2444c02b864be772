// Package spool is a local pebble queue for error sink records the store
// refused. Records are kept in insertion order until deleted.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const prefix = "failure:"

// Spool wraps a pebble database.
type Spool struct {
	db  *pebble.DB
	seq atomic.Uint64
}

// Open opens or creates a spool in dir.
func Open(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return open(dir, &pebble.Options{})
}

// OpenInMemory returns a spool that lives only as long as the process.
func OpenInMemory() (*Spool, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Spool, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	return &Spool{db: db}, nil
}

// Close closes the database.
func (s *Spool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores value under a new key and returns the key.
func (s *Spool) Put(value []byte) (string, error) {
	key := fmt.Sprintf("%s%020d-%06d", prefix, time.Now().UnixNano(), s.seq.Add(1)%1000000)
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return "", fmt.Errorf("spool put: %w", err)
	}
	return key, nil
}

// Delete removes key.
func (s *Spool) Delete(key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("spool delete %s: %w", key, err)
	}
	return nil
}

// ErrStop ends Each early without an error.
var ErrStop = errors.New("stop iteration")

// Each calls fn for every record, oldest first. Key and value are copies.
func (s *Spool) Each(fn func(key string, value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound([]byte(prefix)),
	})
	if err != nil {
		return fmt.Errorf("spool iterate: %w", err)
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		k := string(bytes.Clone(it.Key()))
		v := bytes.Clone(it.Value())
		if err := fn(k, v); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return it.Error()
}

// Len counts stored records.
func (s *Spool) Len() (int, error) {
	n := 0
	err := s.Each(func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

func upperBound(p []byte) []byte {
	end := bytes.Clone(p)
	end[len(end)-1]++
	return end
}
