package server

import (
	"testing"
)

func TestNewAddress(t *testing.T) {
	tests := []struct {
		name              string
		input             string
		wantFullAddress   string
		wantLocalPart     string
		wantDomain        string
		wantDetail        string
		wantBaseLocalPart string
		wantBaseAddress   string
		wantErr           bool
	}{
		{
			name:              "simple address without detail",
			input:             "user@example.com",
			wantFullAddress:   "user@example.com",
			wantLocalPart:     "user",
			wantDomain:        "example.com",
			wantDetail:        "",
			wantBaseLocalPart: "user",
			wantBaseAddress:   "user@example.com",
		},
		{
			name:              "address with detail",
			input:             "user+detail@example.com",
			wantFullAddress:   "user+detail@example.com",
			wantLocalPart:     "user+detail",
			wantDomain:        "example.com",
			wantDetail:        "detail",
			wantBaseLocalPart: "user",
			wantBaseAddress:   "user@example.com",
		},
		{
			name:              "address with complex detail",
			input:             "user+detail+more@example.com",
			wantFullAddress:   "user+detail+more@example.com",
			wantLocalPart:     "user+detail+more",
			wantDomain:        "example.com",
			wantDetail:        "detail+more",
			wantBaseLocalPart: "user",
			wantBaseAddress:   "user@example.com",
		},
		{
			name:              "uppercase input is normalized",
			input:             "User@EXAMPLE.com",
			wantFullAddress:   "user@example.com",
			wantLocalPart:     "user",
			wantDomain:        "example.com",
			wantDetail:        "",
			wantBaseLocalPart: "user",
			wantBaseAddress:   "user@example.com",
		},
		{
			name:              "surrounding whitespace is trimmed",
			input:             "  user@example.com  ",
			wantFullAddress:   "user@example.com",
			wantLocalPart:     "user",
			wantDomain:        "example.com",
			wantDetail:        "",
			wantBaseLocalPart: "user",
			wantBaseAddress:   "user@example.com",
		},
		{
			name:              "dotted local part",
			input:             "first.last@example.com",
			wantFullAddress:   "first.last@example.com",
			wantLocalPart:     "first.last",
			wantDomain:        "example.com",
			wantDetail:        "",
			wantBaseLocalPart: "first.last",
			wantBaseAddress:   "first.last@example.com",
		},
		{
			name:    "empty address",
			input:   "",
			wantErr: true,
		},
		{
			name:    "missing at sign",
			input:   "userexample.com",
			wantErr: true,
		},
		{
			name:    "two at signs",
			input:   "user@example.com@other",
			wantErr: true,
		},
		{
			name:    "internal whitespace",
			input:   "us er@example.com",
			wantErr: true,
		},
		{
			name:    "domain without dot",
			input:   "user@localhost",
			wantErr: true,
		},
		{
			name:    "empty local part",
			input:   "@example.com",
			wantErr: true,
		},
		{
			name:    "domain with leading hyphen",
			input:   "user@-example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := NewAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NewAddress(%q) expected error, got none", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAddress(%q) unexpected error: %v", tt.input, err)
			}

			if addr.FullAddress() != tt.wantFullAddress {
				t.Errorf("FullAddress() = %q, want %q", addr.FullAddress(), tt.wantFullAddress)
			}
			if addr.LocalPart() != tt.wantLocalPart {
				t.Errorf("LocalPart() = %q, want %q", addr.LocalPart(), tt.wantLocalPart)
			}
			if addr.Domain() != tt.wantDomain {
				t.Errorf("Domain() = %q, want %q", addr.Domain(), tt.wantDomain)
			}
			if addr.Detail() != tt.wantDetail {
				t.Errorf("Detail() = %q, want %q", addr.Detail(), tt.wantDetail)
			}
			if addr.BaseLocalPart() != tt.wantBaseLocalPart {
				t.Errorf("BaseLocalPart() = %q, want %q", addr.BaseLocalPart(), tt.wantBaseLocalPart)
			}
			if addr.BaseAddress() != tt.wantBaseAddress {
				t.Errorf("BaseAddress() = %q, want %q", addr.BaseAddress(), tt.wantBaseAddress)
			}
		})
	}
}
