//go:build linux

package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadErrorPages(t *testing.T) {
	dir := t.TempDir()
	page502 := "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 11\r\n\r\nbad gateway"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "502.http"), []byte(page502), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "400.http"), []byte("HTTP/1.1 400 Bad Request\r\n\r\n"), 0o644))

	p, err := LoadErrorPages(dir, nil)
	require.NoError(t, err)

	assert.Equal(t, page502, string(p.Page(502)))
	assert.NotEmpty(t, p.Page(400))
	assert.Nil(t, p.Page(504), "missing file leaves the status without a page")
}

func TestLoadErrorPagesMissingDir(t *testing.T) {
	p, err := LoadErrorPages(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	for code := httpStatusBegin; code < httpStatusEnd; code++ {
		assert.Nil(t, p.Page(code))
	}
}

func TestErrorPagesOutOfRange(t *testing.T) {
	p, err := LoadErrorPages(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Nil(t, p.Page(200))
	assert.Nil(t, p.Page(399))
	assert.Nil(t, p.Page(600))
	assert.Nil(t, p.Page(-1))
}
