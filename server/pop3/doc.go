// Package pop3 implements a POP3 server over the message store.
//
// A connection moves through the three states of RFC 1939: Authorization
// (USER/PASS against the auth layer), Transaction (STAT, LIST, UIDL,
// RETR, TOP, DELE, NOOP, RSET) and Update (entered only by QUIT).
//
// The transaction view is materialized once after authentication:
// messages already flagged deleted by an IMAP session are excluded, and
// message numbers stay stable for the whole session even after DELE.
// DELE only marks; nothing is removed until QUIT commits the marked set.
// A dropped connection commits nothing.
//
// Message content is read through the shared content retriever
// (cache-first, object store behind it). RETR marks the message seen in
// the store so IMAP sessions observe the read.
package pop3
