package graph

import "github.com/rjdoyle/pregel-go/graph/bstore"

// Store is the cross-thread key/value interface offered to nodes via
// Runtime.Store, aliased here so callers configuring a compiled graph
// never need to import graph/bstore directly for the common case of
// passing one through WithStore.
type Store = bstore.Store

// StoreItem, StorePutOptions, StoreSearchOptions, and StoreListOptions
// mirror graph/bstore's types under names that read naturally next to
// Store in this package's exported surface.
type StoreItem = bstore.Item
type StorePutOptions = bstore.PutOptions
type StoreSearchOptions = bstore.SearchOptions
type StoreListOptions = bstore.ListOptions

// WithStore attaches a Store to the compiled graph; nodes reach it
// through Runtime.Store. Omit it and Runtime.Store is nil.
func WithStore(s Store) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Store = s
		return nil
	}
}
