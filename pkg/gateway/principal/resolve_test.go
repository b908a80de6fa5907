package principal

import (
	"net/http/httptest"
	"testing"
)

func TestResolve_ProxyHeaders(t *testing.T) {
	tests := []struct {
		name    string
		trust   bool
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "198.51.100.2:5555", want: "198.51.100.2"},
		{name: "headers ignored when untrusted", remote: "198.51.100.2:5555", headers: map[string]string{"X-Real-IP": "203.0.113.9"}, want: "198.51.100.2"},
		{name: "cloudflare first", trust: true, remote: "10.0.0.1:1", headers: map[string]string{"CF-Connecting-IP": "203.0.113.1", "X-Real-IP": "203.0.113.2"}, want: "203.0.113.1"},
		{name: "xff left-most", trust: true, remote: "10.0.0.1:1", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.3"}, want: "203.0.113.5"},
		{name: "garbage header falls back", trust: true, remote: "10.0.0.1:1", headers: map[string]string{"X-Real-IP": "not-an-ip"}, want: "10.0.0.1"},
		{name: "ipv6", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/voice", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			got := Resolve(r, tc.trust)
			if got.Raw != tc.want || got.Kind != KindIP {
				t.Fatalf("resolved=%+v, want raw %q", got, tc.want)
			}
			if got.Key == tc.want {
				t.Fatalf("key leaks raw ip")
			}
		})
	}
}

func TestResolve_Anonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = ""
	if got := Resolve(r, false); got.Kind != KindAnon || got.Key != "anonymous" {
		t.Fatalf("resolved=%+v", got)
	}
	if got := Resolve(nil, true); got.Kind != KindAnon {
		t.Fatalf("nil request resolved=%+v", got)
	}
}
