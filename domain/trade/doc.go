// Package trade holds the value types exchanged between order books,
// aggregators, subscribers and the wire: orders, fills, matches, book
// snapshots, subscription records and derived market events.
package trade
