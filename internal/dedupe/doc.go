// Package dedupe remembers recently seen client correlation ids so a frame
// resent by a reconnecting client is delivered and stored only once.
package dedupe
