// Package core contains the payments domain model, the order payment state
// machine, the webhook apply logic, and the attempt lifecycle orchestrator.
// Storage, provider, and transport adapters depend on this package; core must
// not depend on any of them.
package core
