// Package webhooks verifies, deduplicates, and applies inbound payment
// provider webhooks.
//
// Every event moves through a claim lifecycle on the webhook_events row:
// reserved (claimed by the ingesting worker) -> decided (applied_result set)
// or retried (claim pushed out by the retry policy) -> needs_review once the
// attempt budget is spent. Claim consumers finish whatever ingestion left
// undecided.
package webhooks
