// Package playlist persists the channel's time-ordered event tree.
//
// Backing store is a single sqlite database (modernc.org/sqlite, WAL,
// one writer). Events form a forest via parent_id; hold points are
// manual-type events that gate their subtree until released. The same
// database carries the plugin table used for operational visibility.
package playlist
