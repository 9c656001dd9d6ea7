package urlutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips trailing slash", "https://example.com/path/", "https://example.com/path"},
		{"root slash collapses", "https://example.com/", "https://example.com"},
		{"drops fragment", "https://example.com/page#section", "https://example.com/page"},
		{"keeps query", "https://example.com/q?a=1&b=2", "https://example.com/q?a=1&b=2"},
		{"trims whitespace", "  https://example.com  ", "https://example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeRejectsBadURLs(t *testing.T) {
	for _, in := range []string{"ftp://example.com", "example.com", "https://", "://nope"} {
		_, err := Normalize(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestNormalizedKeyIsStable(t *testing.T) {
	a, err := Normalize("HTTPS://Example.com/x/")
	require.NoError(t, err)
	b, err := Normalize("https://example.com/x")
	require.NoError(t, err)
	assert.Equal(t, NormalizedKey(a), NormalizedKey(b))
	assert.NotEqual(t, NormalizedKey(a), NormalizedKey(a+"?v=2"))
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.1.1", "169.254.0.5", "100.64.0.1", "::1", "fe80::1", "fc00::1"}
	for _, s := range private {
		assert.True(t, IsPrivateIP(net.ParseIP(s)), "%s should be private", s)
	}
	public := []string{"8.8.8.8", "93.184.216.34", "2606:2800:220:1::1"}
	for _, s := range public {
		assert.False(t, IsPrivateIP(net.ParseIP(s)), "%s should be public", s)
	}
}

func TestValidatePublicHost(t *testing.T) {
	assert.Error(t, ValidatePublicHost("https://localhost:3000"))
	assert.Error(t, ValidatePublicHost("https://app.localhost"))
	assert.Error(t, ValidatePublicHost("https://127.0.0.1/health"))
	assert.Error(t, ValidatePublicHost("https://[::1]/health"))
	assert.NoError(t, ValidatePublicHost("https://example.com"))
	assert.NoError(t, ValidatePublicHost("https://8.8.8.8"), "public IP literals pass")
}
