// Package kv is the embedded key-value layer behind the chat analytics
// sink. Keys are hierarchical string paths ("c42", "000017") encoded with
// a '/' separator, so one conversation's step records form a contiguous,
// lexicographically ordered range.
//
// A BadgerDB-backed store serves production; an in-memory store with the
// same semantics serves tests.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Separator joins key segments in the encoded representation. Segments
// must not contain it.
const Separator = '/'

// Key is a hierarchical path as ordered segments.
type Key []string

// String returns the encoded form.
func (k Key) String() string {
	return strings.Join(k, string(Separator))
}

func encode(k Key) []byte {
	return []byte(k.String())
}

func decode(b []byte) Key {
	return Key(strings.Split(string(b), string(Separator)))
}

// Entry is one key-value pair yielded by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the key-value contract the chat logger depends on.
type Store interface {
	// Get retrieves the value for key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores key/value, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key; absent keys are a no-op.
	Delete(ctx context.Context, key Key) error

	// List iterates entries whose key begins with prefix, in
	// lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// Close releases the store's resources.
	Close() error
}

// prefixBytes returns the byte prefix a List scan must match: the encoded
// prefix plus a trailing separator, so "c1" does not match "c12".
func prefixBytes(prefix Key) []byte {
	if len(prefix) == 0 {
		return nil
	}
	return append(encode(prefix), Separator)
}
