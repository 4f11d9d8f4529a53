// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command sharedcachectl drives a single read of a resource through
// the shared cache and reports the number of bytes read, the elapsed
// time, the session id and the resource size. It does not report how
// many of those bytes came from the cache versus the inner transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nxtedition/sharedcache/sharedcache"
)

func main() {
	cacheDir := flag.String("cachedir", "", "cache directory (required)")
	blockShift := flag.Int("blockshift", sharedcache.DefaultBlockShift, "log2(block size)")
	readOnly := flag.Bool("readonly", false, "never fill missing blocks")
	timeout := flag.Duration("pending-timeout", 2*time.Second, "how long to wait on a PENDING block before racing to refetch it")
	config := flag.String("config", "", "load Options from a YAML file instead of flags")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sharedcachectl [flags] <uri>")
		os.Exit(2)
	}
	uri := args[0]

	opts := sharedcache.Options{
		CacheDir:     *cacheDir,
		BlockShift:   *blockShift,
		ReadOnly:     *readOnly,
		CacheTimeout: *timeout,
		Logger:       stderrLogger{},
	}
	if *config != "" {
		loaded, err := sharedcache.LoadOptions(*config)
		if err != nil {
			fail(err)
		}
		loaded.Logger = stderrLogger{}
		opts = loaded
	}
	if opts.CacheDir == "" {
		fmt.Fprintln(os.Stderr, "sharedcachectl: -cachedir is required")
		os.Exit(2)
	}

	ctx := context.Background()
	sess, err := sharedcache.Open(ctx, uri, opts, dial)
	if err != nil {
		fail(err)
	}
	defer sess.Close()

	start := time.Now()
	n, err := io.Copy(io.Discard, sess)
	if err != nil {
		fail(err)
	}
	size, known := sess.GetSize()
	fmt.Printf("read %d bytes in %s (session %s, resource size known=%v size=%d)\n", n, time.Since(start), sess.ID, known, size)
}

// dial opens a Transport for target: an http(s) URL is read through
// net/http, anything else is treated as a local file path.
func dial(ctx context.Context, target string) (sharedcache.Transport, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return newHTTPTransport(ctx, target)
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, err
	}
	return fileTransport{f}, nil
}

type fileTransport struct{ *os.File }

func (f fileTransport) Size() (int64, bool) {
	fi, err := f.Stat()
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

type stderrLogger struct{}

func (stderrLogger) Printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// httpTransport adapts an HTTP resource to sharedcache.Transport via
// ranged GETs, re-issuing the request from the sought offset rather
// than attempting to resume an in-flight body.
type httpTransport struct {
	ctx    context.Context
	client *http.Client
	url    string
	pos    int64
	size   int64
	known  bool
	body   io.ReadCloser
}

func newHTTPTransport(ctx context.Context, url string) (*httpTransport, error) {
	t := &httpTransport{ctx: ctx, client: http.DefaultClient, url: url}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.ContentLength >= 0 {
			t.size, t.known = resp.ContentLength, true
		}
	}
	return t, nil
}

func (t *httpTransport) Size() (int64, bool) { return t.size, t.known }

func (t *httpTransport) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = t.pos + offset
	case io.SeekEnd:
		if !t.known {
			return 0, fmt.Errorf("sharedcachectl: size unknown, cannot seek from end")
		}
		target = t.size + offset
	}
	if target != t.pos && t.body != nil {
		t.body.Close()
		t.body = nil
	}
	t.pos = target
	return t.pos, nil
}

func (t *httpTransport) Read(p []byte) (int, error) {
	if t.body == nil {
		req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.pos))
		resp, err := t.client.Do(req)
		if err != nil {
			return 0, err
		}
		t.body = resp.Body
	}
	n, err := t.body.Read(p)
	t.pos += int64(n)
	return n, err
}

func (t *httpTransport) Close() error {
	if t.body != nil {
		return t.body.Close()
	}
	return nil
}
