// Package dedupe provides task deduplication using a time-based cache so a
// redelivered queue item is processed at most once per window.
package dedupe
