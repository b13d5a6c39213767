// Package outbound implements the delivery engine for queued outgoing
// mail. A polling worker claims due messages from the store and hands
// them to the Engine, which renders the MIME message, resolves MX hosts
// per recipient domain (or routes everything through a configured
// smarthost), attempts SMTP delivery host by host, and records every
// attempt in the append-only delivery log. Fully failed deliveries are
// retried with exponential backoff up to a configured maximum; per-host
// circuit breakers skip hosts that keep failing.
package outbound
