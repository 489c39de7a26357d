package utils

import (
	"testing"
)

func TestRegistrableDomain(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple domain with trailing dot", "example.com.", "example.com"},
		{"subdomain", "www.example.com", "example.com"},
		{"deep subdomain", "api.service.example.com", "example.com"},
		{"co.uk domain", "example.co.uk", "example.co.uk"},
		{"subdomain of co.uk", "www.example.co.uk", "example.co.uk"},
		{"github.io subdomain", "user.github.io", "user.github.io"},
		{"host with port", "cdn.example.com:8443", "example.com"},
		{"single label fallback", "localhost", "localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RegistrableDomain(tt.input); got != tt.expected {
				t.Errorf("RegistrableDomain(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestIsThirdParty(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		mainHost string
		want     bool
	}{
		{"same host", "news.example", "news.example", false},
		{"same registrable domain", "static.news.co.uk", "www.news.co.uk", false},
		{"different domain", "tracker.example", "news.example", true},
		{"no main document", "tracker.example", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsThirdParty(tt.host, tt.mainHost); got != tt.want {
				t.Errorf("IsThirdParty(%q, %q) = %v, want %v", tt.host, tt.mainHost, got, tt.want)
			}
		})
	}
}
