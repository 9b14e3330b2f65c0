// Package crawler holds the reference fetcher core: URL normalization, the
// per-URL tier state machine, retries, the shared concurrency gate and the
// contracts implemented by strategies and stores.
package crawler
