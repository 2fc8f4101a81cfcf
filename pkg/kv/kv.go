// Package kv provides a key-value store interface with hierarchical path
// keys. A key is a slice of string segments (e.g. ["ev", "1f3a..."]) joined
// by a separator byte for storage. Lexicographic ordering of encoded keys is
// the only ordering guarantee; all higher layers build their scan order on
// top of it.
//
// Two backends are provided: BadgerDB for durable on-disk storage and an
// in-memory sorted map for tests. Badger's value log gives the engine its
// write-ahead-log semantics: readers never block the single writer.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("kv: not found")
)

// DefaultSeparator joins key segments in the encoded form. It is the ASCII
// unit separator: record keys routinely embed user-facing identifiers such
// as session keys ("room:general"), so a printable separator like ':' would
// corrupt the encoding.
const DefaultSeparator byte = 0x1F

// Key is a hierarchical path represented as a slice of string segments.
// Segments must not contain the separator byte.
type Key []string

// String renders the key for logs and errors using '/' between segments.
// This is display-only; storage encoding uses the configured separator.
func (k Key) String() string {
	return strings.Join(k, "/")
}

// Entry is a key-value pair yielded by List and consumed by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the interface shared by all key-value backends.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates entries whose key begins with prefix, in lexicographic
	// order of the encoded key. An empty prefix scans the whole store.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// Count returns the number of keys under prefix without loading values.
	Count(ctx context.Context, prefix Key) (int, error)

	// BatchSet stores multiple entries atomically.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes multiple keys atomically.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases resources held by the store.
	Close() error
}

// Options configures key encoding shared by all backends.
type Options struct {
	// Separator joins key segments in encoded form.
	// Zero means DefaultSeparator.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode joins the key segments with the separator.
func (o *Options) encode(k Key) []byte {
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, o.sep())
		}
		buf = append(buf, seg...)
	}
	return buf
}

// decode splits an encoded key back into segments.
func (o *Options) decode(b []byte) Key {
	s := o.sep()
	k := make(Key, 0, 4)
	start := 0
	for i := 0; i < len(b); i++ {
		if b[i] == s {
			k = append(k, string(b[start:i]))
			start = i + 1
		}
	}
	return append(k, string(b[start:]))
}

// scanPrefix returns the byte prefix used for List/Count scans. A trailing
// separator is appended so the prefix ["ev"] does not match keys under
// ["ev_sess"].
func (o *Options) scanPrefix(prefix Key) []byte {
	p := o.encode(prefix)
	if len(p) == 0 {
		return nil
	}
	return append(p, o.sep())
}
