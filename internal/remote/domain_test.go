package remote

import "testing"

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"www.google.co.uk:443", "google.co.uk"},
		{"api.sina.com.cn", "sina.com.cn"},
		{"example.com:8080", "example.com"},
		{"sub.example.com", "example.com"},
		{"192.168.1.1:8080", "192.168.1.1"},
		{"10.0.0.1", "10.0.0.1"},
		{"[::1]:80", "::1"},
		{"localhost", "localhost"},
		{"https://www.acme.co.uk/v1/readings", "acme.co.uk"},
		{"http://api.example.com:8080/path?q=1", "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := extractDomain(tt.input); got != tt.want {
				t.Errorf("extractDomain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGatewayDomain(t *testing.T) {
	gw := NewGateway("https://api.acme-energy.com/v1", "k", "t1", 0)
	if got := gw.Domain(); got != "acme-energy.com" {
		t.Fatalf("expected acme-energy.com, got %q", got)
	}
}
