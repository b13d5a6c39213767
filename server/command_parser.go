package server

import (
	"fmt"
	"strings"
)

// ParseLine is a simple parser for line-based protocols. It splits a line
// into an optional tag, an upper-cased command name, and arguments. Atoms
// are separated by spaces; double-quoted strings may contain spaces, with
// backslash escaping the following character inside quotes only.
//
// rawArgs is the argument tail exactly as received. Commands whose grammar
// the tokenizer cannot represent (parenthesized lists, sequence sets)
// re-parse it themselves.
func ParseLine(line string, hasTag bool) (tag, command string, args []string, rawArgs string, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", nil, "", nil
	}

	rem := line
	if hasTag {
		parts := strings.SplitN(rem, " ", 2)
		tag = parts[0]
		if len(parts) < 2 {
			return tag, "", nil, "", nil
		}
		rem = strings.TrimSpace(parts[1])
	}

	if rem == "" {
		return tag, "", nil, "", nil
	}
	parts := strings.SplitN(rem, " ", 2)
	command = strings.ToUpper(parts[0])
	if len(parts) < 2 {
		return tag, command, nil, "", nil
	}
	rawArgs = strings.TrimSpace(parts[1])

	rem = rawArgs
	for rem != "" {
		rem = strings.TrimSpace(rem)
		if rem == "" {
			break
		}

		var arg string
		if rem[0] == '"' {
			i := 1
			escaped := false
			found := false
			for i < len(rem) {
				if escaped {
					escaped = false
					i++
					continue
				}
				switch rem[i] {
				case '\\':
					escaped = true
					i++
				case '"':
					arg = rem[:i+1]
					rem = rem[i+1:]
					found = true
				default:
					i++
				}
				if found {
					break
				}
			}
			if !found {
				return tag, command, nil, rawArgs, fmt.Errorf("unclosed quote in command arguments")
			}
		} else {
			end := strings.Index(rem, " ")
			if end == -1 {
				arg = rem
				rem = ""
			} else {
				arg = rem[:end]
				rem = rem[end:]
			}
		}
		args = append(args, arg)
	}

	return tag, command, args, rawArgs, nil
}

// UnquoteString removes surrounding double quotes if present and resolves
// backslash escapes inside them. Unquoted input is returned unchanged.
func UnquoteString(str string) string {
	if len(str) < 2 || str[0] != '"' || str[len(str)-1] != '"' {
		return str
	}

	inner := str[1 : len(str)-1]

	var result strings.Builder
	result.Grow(len(inner))
	escaped := false
	for i := 0; i < len(inner); i++ {
		switch {
		case escaped:
			result.WriteByte(inner[i])
			escaped = false
		case inner[i] == '\\':
			escaped = true
		default:
			result.WriteByte(inner[i])
		}
	}

	return result.String()
}

// QuoteString wraps a string in double quotes, escaping backslash and
// double-quote characters.
func QuoteString(str string) string {
	var result strings.Builder
	result.Grow(len(str) + 2)
	result.WriteByte('"')
	for i := 0; i < len(str); i++ {
		if str[i] == '"' || str[i] == '\\' {
			result.WriteByte('\\')
		}
		result.WriteByte(str[i])
	}
	result.WriteByte('"')
	return result.String()
}
