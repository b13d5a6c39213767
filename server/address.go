package server

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	localPartRegex = regexp.MustCompile(`^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`)
	domainRegex    = regexp.MustCompile(`^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)
)

// Address is a validated, lowercased email address with optional +detail.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// NewAddress parses and validates an email address. The input is trimmed
// and lowercased; +detail in the local part is split out but preserved in
// the full address.
func NewAddress(input string) (Address, error) {
	input = strings.ToLower(strings.TrimSpace(input))

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	at := strings.LastIndex(input, "@")
	if at == -1 {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}
	localPart := input[:at]
	domain := input[at+1:]

	if strings.Contains(localPart, "@") {
		return Address{}, fmt.Errorf("too many @ symbols in address: '%s'", input)
	}
	if !localPartRegex.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainRegex.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	detail := ""
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		detail = localPart[plusIndex+1:]
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// BaseLocalPart returns the local part without the +detail suffix.
func (a Address) BaseLocalPart() string {
	if plusIndex := strings.Index(a.localPart, "+"); plusIndex != -1 {
		return a.localPart[:plusIndex]
	}
	return a.localPart
}

// BaseAddress returns the address without the +detail suffix, e.g.
// "user@example.com" for "user+tag@example.com".
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}
