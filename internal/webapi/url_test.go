package webapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw, base string
		want      urlRecord
	}{
		{
			raw: "HTTP://Example.com:80",
			want: urlRecord{Href: "http://example.com/", Protocol: "http:", Host: "example.com", Hostname: "example.com",
				Pathname: "/", Origin: "http://example.com"},
		},
		{
			raw: "wss://h:9000/s?x#y",
			want: urlRecord{Href: "wss://h:9000/s?x#y", Protocol: "wss:", Host: "h:9000", Hostname: "h", Port: "9000",
				Pathname: "/s", Search: "?x", Hash: "#y", Origin: "wss://h:9000"},
		},
		{
			raw: "http://[::1]:8080/a b",
			want: urlRecord{Href: "http://[::1]:8080/a%20b", Protocol: "http:", Host: "[::1]:8080", Hostname: "[::1]", Port: "8080",
				Pathname: "/a%20b", Origin: "http://[::1]:8080"},
		},
		{
			raw: "x/y", base: "https://h/a/b",
			want: urlRecord{Href: "https://h/a/x/y", Protocol: "https:", Host: "h", Hostname: "h",
				Pathname: "/a/x/y", Origin: "https://h"},
		},
		{
			raw: "custom://host/p",
			want: urlRecord{Href: "custom://host/p", Protocol: "custom:", Host: "host", Hostname: "host",
				Pathname: "/p", Origin: "null"},
		},
		{
			raw: "data:text/plain,hi",
			want: urlRecord{Href: "data:text/plain,hi", Protocol: "data:", Pathname: "text/plain,hi", Origin: "null"},
		},
	}
	for _, tc := range cases {
		got, err := parseURL(tc.raw, tc.base)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestParseURLErrors(t *testing.T) {
	for _, tc := range []struct{ raw, base, want string }{
		{"/only/path", "", "invalid URL"},
		{"x", "relative/base", "invalid base URL"},
		{"http://", "", "has no host"},
		{"http://h:bad/", "", "invalid URL"},
	} {
		_, err := parseURL(tc.raw, tc.base)
		require.Error(t, err, tc.raw)
		assert.Contains(t, err.Error(), tc.want, tc.raw)
	}
}
