package renderer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// fakeBrowser is an in-memory Browser. Its tabs drive navigations through
// the installed Handler the way Chrome drives them through Fetch.requestPaused,
// so the interceptor and the fetch client are exercised for real.
type fakeBrowser struct {
	done      chan struct{}
	closeOnce sync.Once

	// scripts run while a document is parsed, before DOMContentLoaded.
	scripts map[string]func(ctx context.Context, t *fakeTab)

	// pageReady is the initial window.PAGE_READY of every tab; nil leaves it
	// undefined. readyAfter is the number of polls before it turns true; a
	// negative value never turns it true.
	pageReady  any
	readyAfter int

	images []any

	opened atomic.Int32
	closed atomic.Int32
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		done:    make(chan struct{}),
		scripts: map[string]func(context.Context, *fakeTab){},
	}
}

func (b *fakeBrowser) NewTab(ctx context.Context) (Tab, error) {
	select {
	case <-b.done:
		return nil, errors.New("browser closed")
	default:
	}
	b.opened.Add(1)
	return &fakeTab{b: b, changed: make(chan struct{})}, nil
}

func (b *fakeBrowser) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

func (b *fakeBrowser) Done() <-chan struct{} { return b.done }

func (b *fakeBrowser) open() int { return int(b.opened.Load() - b.closed.Load()) }

type fakeTab struct {
	b *fakeBrowser

	mu      sync.Mutex
	handle  Handler
	ua      string
	loads   int
	gen     int
	changed chan struct{}
	url     string
	html    string
	polls   int
	closed  bool
}

func (t *fakeTab) SetUserAgent(_ context.Context, ua string) error {
	t.mu.Lock()
	t.ua = ua
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) Intercept(_ context.Context, handle Handler) error {
	t.mu.Lock()
	t.handle = handle
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) Navigate(ctx context.Context, url string) error {
	return t.navigate(ctx, url)
}

// navigate issues top-level document requests, following injected 3xx
// responses, and loads the final document.
func (t *fakeTab) navigate(ctx context.Context, target string) error {
	t.mu.Lock()
	handle, ua := t.handle, t.ua
	t.mu.Unlock()
	if ua == "" {
		ua = "FakeChrome/1.0"
	}

	for hop := 0; hop < 10; hop++ {
		d := handle(ctx, &InterceptedRequest{
			ResourceType: proto.NetworkResourceTypeDocument,
			URL:          target,
			Method:       http.MethodGet,
			Header:       http.Header{"User-Agent": {ua}},
			TopFrame:     true,
		})
		switch d.Kind {
		case Abort:
			return fmt.Errorf("net::ERR_%s", d.Reason)
		case Continue:
			return errors.New("fake tab cannot fetch documents itself")
		}
		if d.Status >= 300 && d.Status < 400 && d.Header.Get("Location") != "" {
			target = d.Header.Get("Location")
			continue
		}
		t.load(ctx, target, string(d.Body))
		return nil
	}
	return errors.New("net::ERR_TOO_MANY_REDIRECTS")
}

func (t *fakeTab) load(ctx context.Context, url, body string) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.url, t.html = url, body
	t.mu.Unlock()

	if script := t.b.scripts[url]; script != nil {
		script(ctx, t)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// A navigation started by the script replaced this document.
	if t.gen != gen {
		return
	}
	t.loads++
	close(t.changed)
	t.changed = make(chan struct{})
}

// request issues a sub-resource request from the top frame.
func (t *fakeTab) request(ctx context.Context, typ proto.NetworkResourceType, url string) Disposition {
	t.mu.Lock()
	handle := t.handle
	t.mu.Unlock()
	return handle(ctx, &InterceptedRequest{
		ResourceType: typ,
		URL:          url,
		Method:       http.MethodGet,
		Header:       http.Header{},
		TopFrame:     true,
	})
}

func (t *fakeTab) Loads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loads
}

func (t *fakeTab) WaitLoads(ctx context.Context, n int) error {
	for {
		t.mu.Lock()
		if t.loads >= n {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *fakeTab) Eval(_ context.Context, js string) (gson.JSON, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch js {
	case pageReadyJS:
		return gson.New(t.b.pageReady), nil
	case pageReadyPollJS:
		t.polls++
		return gson.New(t.b.readyAfter >= 0 && t.polls >= t.b.readyAfter), nil
	case snapshotJS:
		images := t.b.images
		if images == nil {
			images = []any{}
		}
		return gson.New(map[string]any{"url": t.url, "images": images}), nil
	}
	return gson.New(nil), fmt.Errorf("unexpected script %q", js)
}

func (t *fakeTab) HTML(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.html, nil
}

func (t *fakeTab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.b.closed.Add(1)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
