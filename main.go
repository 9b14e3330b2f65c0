// Package main hosts the refcrawler entrypoint.
//
// Architecture overview:
//   - Input: internal/input reads a JSON array of vulnerability records and flattens it into
//     (record id, raw URL) references. crawler.Plan normalizes and deduplicates them so each canonical URL
//     is fetched once and remembers every record that cites it.
//   - Fetch pipeline: crawler.Orchestrator walks each URL through the direct (colly), rendered (chromedp) and
//     archive (Wayback CDX/availability) strategies. Every tier gets a fixed retry budget from
//     crawler.RetryController; fatal errors such as 403/404 or anti-bot challenges escalate to the next tier
//     immediately.
//   - Concurrency: crawler.Limiter bounds in-flight network operations with a shared semaphore and a smaller
//     browser gate for rendered attempts. Archive API calls are paced per host by internal/policy/ratelimit.
//   - Persistence: one outcome row per canonical URL is upserted into Postgres, SQLite or memory. Binary
//     content is also written to the blob store (local or GCS) when one is configured. Store writes are
//     retried once; a second failure is logged and the run continues.
//   - Observability: zap logs, Prometheus collectors (internal/metrics and the progress sink), OpenTelemetry
//     spans per URL and per tier attempt, and optional Pub/Sub notifications per finished URL.
//
// Commands: fetch, backfill, export-failed and serve. Every command exits zero when the run completes,
// however many URLs failed; config, input and store errors exit non-zero.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/refcrawler/cmd"
)

// main defers all execution to the Cobra CLI and exits with its status.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
