// Package addrspace defines the stable address handle shared by every
// datastore and index variant.
//
// A real libodb-style engine hands out raw record pointers; addresses
// double as both the comparator's operand and the index's storage key.
// A Go rendition cannot hand out raw pointers into a garbage-collected
// heap and expect them to stay meaningful across compaction, so Address
// is an opaque per-datastore handle instead. It is still "stable for the
// entire lifetime of the record" (spec §3): once minted it is never
// renumbered except through the explicit relocation path a sweep may
// produce, and even then only by the ODB façade rewriting index entries,
// never by silently reusing the same handle for a different record while
// it is live.
package addrspace

import "sync/atomic"

// Address is an opaque, per-datastore stable handle. The zero value,
// Null, never identifies a live record.
type Address uint64

// Null is the address that never identifies a live record.
const Null Address = 0

// BankEncode packs a chunk index and in-chunk slot offset into a single
// Address, mirroring the fixed-bank datastore's "chunk/offset arithmetic"
// positional lookup (spec §4.1). The packed (chunk,slot) is biased by one
// so that (0,0) — the very first slot a fresh Bank ever hands out — never
// encodes to Null; Null must stay reserved for "no record".
func BankEncode(chunk, slot uint32) Address {
	return Address(uint64(chunk)<<32|uint64(slot)) + 1
}

// BankDecode is the inverse of BankEncode.
func BankDecode(a Address) (chunk, slot uint32) {
	v := uint64(a) - 1
	return uint32(v >> 32), uint32(v)
}

// Allocator mints monotonically increasing addresses for datastore
// variants that have no natural chunk/offset encoding (linked-list,
// variable-width, indirect). It never reuses a value, even after the
// underlying slot is freed, so a stale Address can never alias a
// different, later record — the same guarantee a bump-allocated heap
// address gives in the original implementation.
type Allocator struct {
	next atomic.Uint64
}

// Next returns the next never-before-issued Address.
func (a *Allocator) Next() Address {
	return Address(a.next.Add(1))
}
