// Package memory provides bounded in-memory containers owned by a single
// mailbox goroutine: recent-match windows, price/volume histories and the
// confirmation dedupe window.
package memory
