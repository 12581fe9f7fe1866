// Package dedupe provides a time-windowed cache of claimed keys, used to
// drop a client's retried sends within a configurable window.
package dedupe
