package imap

import (
	"bufio"
	"strings"

	serverPkg "github.com/relatemail/ferry/server"
)

// capabilityList renders the capabilities for the current state. The
// AUTH mechanism is only offered before authentication.
func (s *IMAPSession) capabilityList() string {
	caps := []string{"IMAP4rev2", "ID", "ENABLE"}
	if s.state == stateNotAuthenticated {
		caps = append(caps, "AUTH=PLAIN")
	}
	return strings.Join(caps, " ")
}

func (s *IMAPSession) handleCapability(writer *bufio.Writer, tag string) {
	s.untagged(writer, "CAPABILITY %s", s.capabilityList())
	s.ok(writer, tag, "CAPABILITY completed")
}

// handleEnable turns on requested extensions (RFC 9051 §6.3.1). Unknown
// capability names are ignored rather than rejected; only names actually
// enabled are echoed back.
func (s *IMAPSession) handleEnable(writer *bufio.Writer, tag string, args []string) {
	var enabled []string
	for _, arg := range args {
		name := strings.ToUpper(serverPkg.UnquoteString(arg))
		if name != "IMAP4REV2" {
			continue
		}
		if s.enabled == nil {
			s.enabled = make(map[string]bool)
		}
		if !s.enabled[name] {
			s.enabled[name] = true
			enabled = append(enabled, "IMAP4rev2")
		}
	}
	if len(enabled) > 0 {
		s.untagged(writer, "ENABLED %s", strings.Join(enabled, " "))
	} else {
		s.untagged(writer, "ENABLED")
	}
	s.ok(writer, tag, "ENABLE completed")
}

// handleID answers the ID command (RFC 2971). The client's parameter
// list is free-form and only logged for diagnostics.
func (s *IMAPSession) handleID(writer *bufio.Writer, tag string, rawArgs string) {
	if rawArgs != "" && !strings.EqualFold(rawArgs, "NIL") {
		s.DebugLog("client ID: %s", rawArgs)
	}
	s.untagged(writer, `ID ("name" "ferry" "host" %s)`, serverPkg.QuoteString(s.HostName))
	s.ok(writer, tag, "ID completed")
}
