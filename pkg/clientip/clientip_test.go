package clientip_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/signalbus/pkg/clientip"
)

func TestGetIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{name: "remote_addr", remoteAddr: "192.0.2.10:4321", want: "192.0.2.10"},
		{name: "remote_addr_ipv6", remoteAddr: "[2001:db8::1]:4321", want: "2001:db8::1"},
		{name: "remote_addr_unparsable", remoteAddr: "pipe", want: "pipe"},
		{
			name:       "cloudflare_first",
			headers:    map[string]string{"CF-Connecting-IP": "198.51.100.1", "X-Forwarded-For": "203.0.113.5"},
			remoteAddr: "10.0.0.1:80",
			want:       "198.51.100.1",
		},
		{
			name:       "forwarded_for_leftmost",
			headers:    map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.2, 10.0.0.3"},
			remoteAddr: "10.0.0.1:80",
			want:       "203.0.113.5",
		},
		{
			name:       "invalid_header_skipped",
			headers:    map[string]string{"DO-Connecting-IP": "nope", "X-Real-IP": "203.0.113.9"},
			remoteAddr: "10.0.0.1:80",
			want:       "203.0.113.9",
		},
		{
			name:       "unspecified_skipped",
			headers:    map[string]string{"X-Real-IP": "0.0.0.0"},
			remoteAddr: "10.0.0.1:80",
			want:       "10.0.0.1",
		},
		{
			name:       "ipv4_mapped_normalized",
			headers:    map[string]string{"X-Real-IP": "::ffff:192.0.2.1"},
			remoteAddr: "10.0.0.1:80",
			want:       "192.0.2.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientip.GetIP(r))
		})
	}
}
