// Package providers groups the payment provider adapters. Each provider
// package exposes a Gateway (core.PaymentGateway) for invoice creation and a
// Codec (core.WebhookCodec) plus Binding for webhook ingestion. devkit holds
// scripted fakes and conformance checks shared by their tests.
package providers
