// Package pagedb implements an on-disk indexed record engine in the style
// of a classic mmap-backed document store: fixed-layout data files carved
// into extent and record chains, B-tree indexes built over those records,
// a global recursive reader/writer lock guarding structural changes, and
// cursors that can survive the lock being released mid-scan.
//
// A Database opens a directory of numbered data files and a small JSON
// catalog describing the collections and indexes within them. Collections
// hold arbitrary documents (map[string]any, JSON-marshaled on disk);
// secondary indexes are B-trees keyed by an Ordering over one or more
// document fields, built incrementally on Insert/Update/Delete or in bulk
// from an external sort over an existing collection's contents.
package pagedb
