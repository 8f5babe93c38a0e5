package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v4"
)

const keySeparator = "\x00"

// Key is a composite key. Keys sort part by part, so parts that must sort
// chronologically are written fixed width.
type Key []string

func (k Key) Bytes() []byte {
	return []byte(strings.Join(k, keySeparator))
}

// PrefixBytes matches every key that extends k by at least one part.
func (k Key) PrefixBytes() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.Bytes(), keySeparator...)
}

func (k Key) String() string {
	return strings.Join(k, "/")
}

func ParseKey(b []byte) Key {
	return Key(strings.Split(string(b), keySeparator))
}

func (k Key) Equal(other Key) bool {
	return bytes.Equal(k.Bytes(), other.Bytes())
}

// Entry is a stored value together with the version it was read at. A
// version is never zero for a present key.
type Entry struct {
	Key     Key
	Value   []byte
	Version uint64
}

// Decode unpacks the entry value into v.
func (e *Entry) Decode(v interface{}) error {
	return Decode(e.Value, v)
}

type check struct {
	key     Key
	version uint64
}

type write struct {
	key   Key
	value []byte
}

// Commit collects the checks, writes and deletes of one atomic commit.
type Commit struct {
	checks  []check
	writes  []write
	deletes []Key
}

func NewCommit() *Commit {
	return &Commit{}
}

// Check requires key to still be at version when the commit is applied.
// Version zero requires the key to be absent.
func (c *Commit) Check(key Key, version uint64) *Commit {
	c.checks = append(c.checks, check{key: key, version: version})
	return c
}

func (c *Commit) Set(key Key, value []byte) *Commit {
	c.writes = append(c.writes, write{key: key, value: value})
	return c
}

// SetValue encodes v and stages it under key.
func (c *Commit) SetValue(key Key, v interface{}) error {
	value, err := Encode(v)
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", key, err)
	}
	c.Set(key, value)
	return nil
}

func (c *Commit) Delete(key Key) *Commit {
	c.deletes = append(c.deletes, key)
	return c
}

func (c *Commit) Empty() bool {
	return len(c.writes) == 0 && len(c.deletes) == 0
}

func (c *Commit) Size() int {
	return len(c.checks) + len(c.writes) + len(c.deletes)
}

// AtomicStore is the persistence substrate shared by every component. All
// cross-key invariants are enforced through the checks of AtomicCommit.
type AtomicStore interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	ListByPrefix(ctx context.Context, prefix Key) ([]Entry, error)
	AtomicCommit(ctx context.Context, commit *Commit) error
	Close() error
}

func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// StageClear stages the deletion of every key under prefixes, each checked
// at the version it was read at. It returns the number of staged deletes.
func StageClear(ctx context.Context, store AtomicStore, c *Commit, prefixes []Key) (int, error) {
	var n int
	for _, prefix := range prefixes {
		entries, err := store.ListByPrefix(ctx, prefix)
		if err != nil {
			return 0, fmt.Errorf("could not list %s: %w", prefix, err)
		}
		for _, e := range entries {
			c.Check(e.Key, e.Version)
			c.Delete(e.Key)
			n++
		}
	}
	return n, nil
}

// Merge appends the checks, writes and deletes of other to c.
func (c *Commit) Merge(other *Commit) *Commit {
	c.checks = append(c.checks, other.checks...)
	c.writes = append(c.writes, other.writes...)
	c.deletes = append(c.deletes, other.deletes...)
	return c
}
