package main

import "testing"

func TestListenerURL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address string
		tls     bool
		want    string
		socket  string
	}{
		"default_port_only":    {address: ":43127", want: "http://localhost:43127", socket: "ws://localhost:43127/ws"},
		"explicit_localhost":   {address: "localhost:8000", want: "http://localhost:8000", socket: "ws://localhost:8000/ws"},
		"explicit_ipv4_any":    {address: "0.0.0.0:9000", want: "http://localhost:9000", socket: "ws://localhost:9000/ws"},
		"explicit_ipv4_local":  {address: "127.0.0.1:43127", want: "http://127.0.0.1:43127", socket: "ws://127.0.0.1:43127/ws"},
		"explicit_ipv6_any":    {address: "[::]:43127", want: "http://localhost:43127", socket: "ws://localhost:43127/ws"},
		"explicit_ipv6_custom": {address: "[2001:db8::1]:43127", want: "http://[2001:db8::1]:43127", socket: "ws://[2001:db8::1]:43127/ws"},
		"tls_enabled":          {address: ":43127", tls: true, want: "https://localhost:43127", socket: "wss://localhost:43127/ws"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := listenerURL(tc.address, tc.tls); got != tc.want {
				t.Fatalf("listenerURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.want)
			}
			if got := socketURL(tc.address, tc.tls); got != tc.socket {
				t.Fatalf("socketURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.socket)
			}
		})
	}
}

func TestNormaliseHostPortNoPort(t *testing.T) {
	t.Parallel()

	if got := normaliseHostPort(""); got != "localhost" {
		t.Fatalf("expected localhost for empty address, got %q", got)
	}
	if got := normaliseHostPort("ridehost"); got != "ridehost" {
		t.Fatalf("expected bare host to pass through, got %q", got)
	}
}
