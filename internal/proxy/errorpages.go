package proxy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Canned pages cover the client- and gateway-error status range.
const (
	httpStatusBegin = 400
	httpStatusEnd   = 600
)

// ErrorPages is the canned-response table, indexed by HTTP status code.
// Each entry holds the raw bytes written to the client verbatim, including
// the status line and terminating CRLFCRLF. Loaded once at startup and
// immutable afterwards.
type ErrorPages struct {
	pages [httpStatusEnd - httpStatusBegin][]byte
}

// LoadErrorPages reads "<status>.http" files from dir. Missing files leave
// their status without a canned response; a missing directory leaves the
// whole table empty. Only unreadable existing files are errors.
func LoadErrorPages(dir string, logger *slog.Logger) (*ErrorPages, error) {
	p := &ErrorPages{}
	loaded := 0
	for code := httpStatusBegin; code < httpStatusEnd; code++ {
		path := filepath.Join(dir, fmt.Sprintf("%d.http", code))
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read error page %s: %w", path, err)
		}
		p.pages[code-httpStatusBegin] = data
		loaded++
	}
	if logger != nil {
		logger.Info("error pages loaded", "dir", dir, "count", loaded)
	}
	return p, nil
}

// Page returns the canned response for code, or nil when the code is out of
// range or has no page (which suppresses emission).
func (p *ErrorPages) Page(code int) []byte {
	if code < httpStatusBegin || code >= httpStatusEnd {
		return nil
	}
	return p.pages[code-httpStatusBegin]
}
