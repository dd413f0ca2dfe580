// Package bstore provides the optional cross-thread key/value store a
// compiled graph can offer to its nodes: arbitrary values addressed by a
// hierarchical namespace and a key, with prefix plus exact-match filter
// search and namespace enumeration. It is distinct from graph/checkpoint, which
// persists the engine's own run state; bstore persists whatever a node
// chooses to remember across threads (user profiles, long-term memory
// entries, and the like).
package bstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no item exists at namespace/key.
var ErrNotFound = errors.New("bstore: not found")

// ErrInvalidNamespace is returned when a namespace fails validation: an
// empty label, a label containing ".", or use of the reserved root label.
var ErrInvalidNamespace = errors.New("bstore: invalid namespace")

// reservedRoot is the one namespace root label a caller may not use
// directly, mirroring the teacher's store package reserving its own
// module name at the root of the hierarchy it manages.
const reservedRoot = "pregel"

// Item is a single stored value together with its addressing and
// timestamps.
type Item struct {
	Namespace []string
	Key       string
	Value     map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PutOptions configures an optional TTL and vector-index participation
// for a Put call. Index is a list of JSON-pointer-style paths into Value
// that an implementation may choose to index for Search's query mode;
// the in-memory implementation ignores it and does not record it.
type PutOptions struct {
	TTL   time.Duration
	Index []string
}

// SearchOptions filters and paginates Search. Filter matches exact
// key/value equality against top-level fields of Value; Query, when a
// vector index is configured, ranks by similarity instead of filtering
// (the in-memory implementation only supports Filter).
type SearchOptions struct {
	Filter map[string]any
	Query  string
	Limit  int
	Offset int
}

// ListOptions filters and paginates ListNamespaces.
type ListOptions struct {
	Prefix   []string
	Suffix   []string
	MaxDepth int
	Limit    int
	Offset   int
}

// Store is the interface a compiled graph offers to node bodies through
// Runtime.Store. Namespaces are hierarchical label paths (e.g.
// []string{"users", "123", "memories"}); Get/Put/Delete address a single
// item within one namespace, Search scans items under a namespace
// prefix, and ListNamespaces enumerates the distinct namespaces in use.
type Store interface {
	Get(ctx context.Context, namespace []string, key string) (Item, error)
	Put(ctx context.Context, namespace []string, key string, value map[string]any, opts PutOptions) error
	Delete(ctx context.Context, namespace []string, key string) error
	Search(ctx context.Context, namespacePrefix []string, opts SearchOptions) ([]Item, error)
	ListNamespaces(ctx context.Context, opts ListOptions) ([][]string, error)
}

// ValidateNamespace enforces spec.md §6's namespace rules: every label
// non-empty, no label containing ".", and the root label not reserved.
func ValidateNamespace(namespace []string) error {
	if len(namespace) == 0 {
		return ErrInvalidNamespace
	}
	if namespace[0] == reservedRoot {
		return ErrInvalidNamespace
	}
	for _, label := range namespace {
		if label == "" || strings.Contains(label, ".") {
			return ErrInvalidNamespace
		}
	}
	return nil
}

func namespaceKey(namespace []string) string {
	return strings.Join(namespace, ".")
}

func hasPrefix(namespace, prefix []string) bool {
	if len(prefix) > len(namespace) {
		return false
	}
	for i, label := range prefix {
		if namespace[i] != label {
			return false
		}
	}
	return true
}

func hasSuffix(namespace, suffix []string) bool {
	if len(suffix) > len(namespace) {
		return false
	}
	offset := len(namespace) - len(suffix)
	for i, label := range suffix {
		if namespace[offset+i] != label {
			return false
		}
	}
	return true
}
