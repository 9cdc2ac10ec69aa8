package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swcache/internal/logger"
)

func gzipped(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.String()
}

func TestDiscoverPrecache(t *testing.T) {
	o := newFakeOrigin()
	o.set("/sitemap.xml", http.StatusOK, `<?xml version="1.0"?>
<sitemapindex>
  <sitemap><loc>https://app.example/pages.xml.gz</loc></sitemap>
  <sitemap><loc>/sitemap.xml</loc></sitemap>
</sitemapindex>`)
	o.set("/pages.xml.gz", http.StatusOK, gzipped(t, `<urlset>
  <url><loc> https://app.example/about </loc></url>
  <url><loc>https://app.example/blog?page=2</loc></url>
  <url><loc>https://elsewhere.example/x</loc></url>
  <url><loc>https://app.example/about</loc></url>
  <url><loc>contact</loc></url>
</urlset>`))

	paths, err := discoverPrecache(context.Background(), o, testOrigin, []string{"/sitemap.xml"}, logger.L())
	require.NoError(t, err)
	assert.Equal(t, []string{"/about", "/blog?page=2", "/contact"}, paths)
	assert.Equal(t, 1, o.count("/sitemap.xml"))
}

func TestDiscoverPrecache_Errors(t *testing.T) {
	o := newFakeOrigin()
	o.set("/broken.xml", http.StatusOK, "<urlset><url>")

	_, err := discoverPrecache(context.Background(), o, testOrigin, []string{"/missing.xml"}, logger.L())
	assert.ErrorContains(t, err, "unexpected status 404")

	_, err = discoverPrecache(context.Background(), o, testOrigin, []string{"/broken.xml"}, logger.L())
	assert.Error(t, err)
}

func TestSameOriginPath(t *testing.T) {
	base, err := url.Parse(testOrigin)
	require.NoError(t, err)

	tests := []struct {
		loc  string
		want string
		ok   bool
	}{
		{"https://app.example", "/", true},
		{"HTTPS://APP.EXAMPLE/a%20b", "/a%20b", true},
		{"/relative", "/relative", true},
		{"http://app.example/", "", false},
		{"https://cdn.example/", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := sameOriginPath(base, tt.loc)
		assert.Equal(t, tt.ok, ok, tt.loc)
		assert.Equal(t, tt.want, got, tt.loc)
	}
}
