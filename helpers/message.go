package helpers

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/k3a/html2text"
	"lukechampine.com/blake3"
)

// HashContent returns the BLAKE3 hash of raw message content, hex encoded.
// Content objects are stored under this hash, which deduplicates identical
// messages delivered to multiple recipients.
func HashContent(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ExtractPlaintext derives a plain-text body from a message's text parts.
// When only an HTML part exists it is converted with html2text.
func ExtractPlaintext(textBody, htmlBody string) string {
	if strings.TrimSpace(textBody) != "" {
		return textBody
	}
	if strings.TrimSpace(htmlBody) != "" {
		return html2text.HTML2Text(htmlBody)
	}
	return ""
}

const maxSnippetLen = 160

// Snippet builds a short single-line preview from a plain-text body, capped
// at maxSnippetLen runes on a rune boundary.
func Snippet(plaintext string) string {
	s := strings.Join(strings.Fields(SanitizeUTF8(plaintext)), " ")
	if utf8.RuneCountInString(s) <= maxSnippetLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxSnippetLen])
}
