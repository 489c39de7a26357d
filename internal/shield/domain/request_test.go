package domain

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestDescriptor(t *testing.T) {
	r, err := NewRequestDescriptor("https://Ads.Example.com/x.js", "https://news.example.org/a", "*/*", "get")
	require.NoError(t, err)
	assert.Equal(t, "ads.example.com", r.Host())
	assert.Equal(t, "news.example.org", r.MainDocumentHost())
	assert.Equal(t, "GET", r.HTTPMethod)
	assert.False(t, r.IsMainDocument())
}

func TestNewRequestDescriptor_DefaultsAndErrors(t *testing.T) {
	r, err := NewRequestDescriptor("http://example.com", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "GET", r.HTTPMethod)
	assert.True(t, r.IsMainDocument())
	assert.Equal(t, "example.com", r.MainDocumentHost())

	_, err = NewRequestDescriptor("ftp://example.com/file", "", "", "")
	assert.Error(t, err)
	_, err = NewRequestDescriptor("https:///nohost", "", "", "")
	assert.Error(t, err)
	_, err = NewRequestDescriptor("https://example.com", "data:text/html,hi", "", "")
	assert.Error(t, err)
}

func TestIsMainDocument_SameURLWithFragment(t *testing.T) {
	r, err := NewRequestDescriptor("https://example.com/page#top", "https://EXAMPLE.com:443/page", "", "")
	require.NoError(t, err)
	assert.True(t, r.IsMainDocument())
}

func TestHasCookie(t *testing.T) {
	r, err := NewRequestDescriptor("https://forbes.com/", "", "", "")
	require.NoError(t, err)
	assert.False(t, r.HasCookie("welcomeAd"))

	r = r.WithCookie("a=1; welcomeAd=true")
	assert.True(t, r.HasCookie("welcomeAd"))
	assert.False(t, r.HasCookie("other"))
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"HTTP://Example.COM:80/a?b=1#frag", "http://example.com/a?b=1"},
		{"https://example.com:443", "https://example.com/"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
		{"https://user:pw@example.com/x", "https://example.com/x"},
		{"http://[::1]:80/", "http://[::1]/"},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, NormalizeURL(u), tc.in)
	}
	assert.Equal(t, "", NormalizeURL(nil))
}

func TestDecisionKey(t *testing.T) {
	a, err := NewRequestDescriptor("https://cdn.example.com/a.js#x", "https://site.test/", "", "")
	require.NoError(t, err)
	b, err := NewRequestDescriptor("https://CDN.example.com:443/a.js", "https://Site.Test/other", "", "")
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, DecisionKey("site.test_https://cdn.example.com/a.js"), a.Key())

	c, err := NewRequestDescriptor("https://cdn.example.com/a.js", "https://other.test/", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Key(), c.Key())
}
