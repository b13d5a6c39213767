// Package imap implements an IMAP4rev2 server for the single-INBOX
// mailbox model.
//
// The protocol state machine is written by hand: each connection runs a
// read loop that parses one command line at a time and dispatches it
// against the session's current state.
//
// # Server States
//
//	NotAuthenticated → Authenticated → Selected, plus terminal Logout
//
// LOGIN or AUTHENTICATE moves a session to Authenticated; SELECT or
// EXAMINE to Selected (EXAMINE read-only); CLOSE, UNSELECT or a second
// SELECT back to Authenticated; LOGOUT ends the session from any state.
// Commands arriving outside their permitted state are answered with a
// tagged NO and the connection stays open.
//
// # Supported Commands
//
// Any state:
//   - CAPABILITY, NOOP, ID, LOGOUT
//
// Not authenticated:
//   - LOGIN, AUTHENTICATE PLAIN
//
// Authenticated:
//   - SELECT, EXAMINE, STATUS, LIST, ENABLE
//
// Selected:
//   - FETCH, STORE, SEARCH, EXPUNGE, CLOSE, UNSELECT, and the UID
//     variants of FETCH/STORE/SEARCH/EXPUNGE
//
// # Mailbox Model
//
// Every account has exactly one mailbox, INBOX. SELECT materializes the
// account's message set into the session; sequence numbers are positions
// in that view and are only valid within the session, while UIDs are
// stable. UIDVALIDITY is derived once per process from the clock, so all
// sessions of one running instance agree on it and a restart invalidates
// client-side UID caches.
//
// # Message Content
//
// Fetching a body section streams the raw message from the content
// retriever (local cache backed by the object store). Non-PEEK body
// fetches set \Seen unless the mailbox was opened read-only.
package imap
