// Package smtpin implements the two inbound SMTP listeners on top of
// emersion/go-smtp: the internet-facing MX listener accepting mail for
// hosted domains, and the authenticated submission listener accepting
// mail from our own users for any destination.
//
// Both listeners share one session implementation. The relay-acceptance
// filter decides at MAIL FROM and RCPT TO whether a transaction may
// proceed; filter rejections are policy decisions and are never
// retried. Accepted messages are parsed once, their content stored by
// hash, and then either filed into hosted INBOXes or enqueued for
// outbound delivery.
package smtpin
