// Package inbound exposes the payment pipeline over HTTP.
//
// Webhook deliveries are acknowledged according to the ingestion outcome:
// business rejections still answer 200 so providers stop retrying, throttled
// unsigned traffic answers 429, and only transient failures answer 5xx with a
// Retry-After hint.
package inbound
