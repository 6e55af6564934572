package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry("test")

	assert.Equal(t, uint64(0), r.Get("loops"))

	r.Increment("loops")
	r.Increment("loops")
	r.Add("bytes", 512)

	assert.Equal(t, uint64(2), r.Get("loops"))
	assert.Equal(t, uint64(512), r.Get("bytes"))

	snap := r.Snapshot()
	assert.Equal(t, uint64(2), snap["loops"])
	assert.Equal(t, uint64(512), snap["bytes"])
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry("test")

	var wg sync.WaitGroup
	const goroutines = 32
	const iterations = 1000

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				r.Increment("runs")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*iterations), r.Get("runs"))
}

func TestRegistryWriteTo(t *testing.T) {
	r := NewRegistry("test")
	r.Increment("b")
	r.Increment("a")
	r.Increment("a")

	var sb strings.Builder
	_, err := r.WriteTo(&sb)
	require.NoError(t, err)
	assert.Equal(t, "a 2\nb 1\n", sb.String(), "counters dump in name order")
}

type fakeDumper struct{ lines []string }

func (d *fakeDumper) DumpSessions(w io.Writer) error {
	for _, l := range d.lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func TestSocketServerDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.sock")

	reg := NewRegistry("abc123")
	reg.Increment("accepts")
	srv := &SocketServer{
		Path:     path,
		Registry: reg,
		Dumper:   &fakeDumper{lines: []string{"1 reqch: waiting_input rspch: waiting_input opened: 2"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	var lines []string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())

	require.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, lines[0], "instance abc123")
	assert.Equal(t, "1 reqch: waiting_input rspch: waiting_input opened: 2", lines[1])
	assert.Contains(t, lines, "accepts 1")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("socket server did not stop")
	}
}

func TestSocketServerStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.sock")

	// Leave a stale socket file behind.
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	srv := &SocketServer{Path: path, Registry: NewRegistry("x")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
