package db

import "strings"

// System flags stored as a bitmask in the messages.flags column. The
// IMAP and POP3 engines share these bits: POP3 skips messages an IMAP
// session already marked deleted, and RETR sets the seen bit.
const (
	FlagSeen = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
)

// flagStrings lists the RFC string form of each bit, in bit order.
var flagStrings = []struct {
	bit  int
	name string
}{
	{FlagSeen, `\Seen`},
	{FlagAnswered, `\Answered`},
	{FlagFlagged, `\Flagged`},
	{FlagDeleted, `\Deleted`},
	{FlagDraft, `\Draft`},
	{FlagRecent, `\Recent`},
}

// ContainsFlag checks if a flag bit is set in the bitmask.
func ContainsFlag(flags int, flag int) bool {
	return flags&flag != 0
}

// FlagToBitwise maps one flag token to its bit. Unknown tokens map to
// zero: clients send nonstandard keywords and the policy is to ignore
// them rather than error.
func FlagToBitwise(flag string) int {
	switch strings.ToLower(flag) {
	case `\seen`:
		return FlagSeen
	case `\answered`:
		return FlagAnswered
	case `\flagged`:
		return FlagFlagged
	case `\deleted`:
		return FlagDeleted
	case `\draft`:
		return FlagDraft
	case `\recent`:
		return FlagRecent
	}
	return 0
}

// FlagsToBitwise converts a list of flag tokens to a bitmask, silently
// discarding unrecognized tokens.
func FlagsToBitwise(flags []string) int {
	var bitwise int
	for _, flag := range flags {
		bitwise |= FlagToBitwise(flag)
	}
	return bitwise
}

// BitwiseToFlags converts a bitmask back to RFC flag strings in bit
// order. An empty bitmask yields an empty list.
func BitwiseToFlags(bitwise int) []string {
	var flags []string
	for _, fs := range flagStrings {
		if bitwise&fs.bit != 0 {
			flags = append(flags, fs.name)
		}
	}
	return flags
}

// FlagsString renders a bitmask as the space-joined IMAP flag list body.
// The empty bitmask renders as the empty string.
func FlagsString(bitwise int) string {
	return strings.Join(BitwiseToFlags(bitwise), " ")
}
