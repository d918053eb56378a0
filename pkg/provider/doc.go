// Package provider is the model provider abstraction: layered configuration
// resolution, round-robin credential rotation, per-provider rate limiting,
// retries and reasoning extraction over the Anthropic, OpenAI and Gemini SDKs.
//
// Clients are stateless with respect to credentials; the Dispatcher picks the
// key for every attempt.
package provider
