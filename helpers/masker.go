package helpers

import "strings"

// MaskSensitive redacts credential material from a protocol line before it is
// echoed to the debug log. It handles both tagged (IMAP) and untagged (POP3)
// command forms: for PASS everything after the verb is redacted, for
// LOGIN/AUTHENTICATE everything after the first argument (username or
// mechanism) is redacted.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	sensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return line
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return line
	}

	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return line
	}

	keep := cmdIndex + 2
	if strings.EqualFold(command, "PASS") {
		keep = cmdIndex + 1
	}

	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	// "a1 AUTHENTICATE PLAIN" with the response on a continuation line is
	// safe to log as-is.
	return line
}
