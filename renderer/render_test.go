package renderer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/prerender/cleaner"
	"github.com/use-agent/prerender/fetch"
	"github.com/use-agent/prerender/models"
	"github.com/use-agent/prerender/opengraph"
)

const articlePage = `<!DOCTYPE html>
<html><head>
<title>Article</title>
<meta name="description" content="An article.">
<meta property="og:title" content="OG Article">
<script>window.x = 1</script>
</head><body>
<a href="/next">next</a>
<a href="https://other.example/">other</a>
<div class="price">42</div>
</body></html>`

type site struct {
	srv *httptest.Server

	mu        sync.Mutex
	userAgent string
	query     string
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	html := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.userAgent, s.query = r.UserAgent(), r.URL.RawQuery
		s.mu.Unlock()
		html(w, articlePage)
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/article", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		html(w, `<html><head><title>Start</title></head><body></body></html>`)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `<html><head><title>Not found</title></head><body></body></html>`)
	})
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("/p/", func(w http.ResponseWriter, r *http.Request) {
		html(w, fmt.Sprintf(`<html><head><title>%s</title></head><body><a href="%s/child">c</a></body></html>`, r.URL.Path, r.URL.Path))
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) url(path string) string { return s.srv.URL + path }

func newTestRenderer(t *testing.T, b *fakeBrowser, defaults RenderConfig) *Renderer {
	t.Helper()
	r := New(Options{
		Launch:   func(context.Context) (Browser, error) { return b, nil },
		Defaults: defaults,
		Fetcher:  fetch.New(fetch.Options{}),
		Logger:   discardLogger(),
	})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func renderCode(t *testing.T, err error) string {
	t.Helper()
	var re *models.RenderError
	require.ErrorAs(t, err, &re)
	return re.Code
}

func TestRender_Page(t *testing.T) {
	s := newSite(t)
	b := newFakeBrowser()
	r := newTestRenderer(t, b, RenderConfig{})

	res, err := r.Render(context.Background(), s.url("/article"), RenderOptions{})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Empty(t, res.Redirect)
	assert.Equal(t, "OG Article", res.Meta["title"])
	assert.Equal(t, "An article.", res.Meta["description"])
	assert.Equal(t, "OG Article", opengraph.Object(res.OpenGraph).String("og:title"))
	assert.Equal(t, []string{s.url("/next"), "https://other.example/"}, res.Links)
	assert.Contains(t, res.HTML, "<script>")
	assert.NotContains(t, res.StaticHTML, "<script")
	assert.True(t, strings.HasPrefix(res.StaticHTML, "<!DOCTYPE html>"), "doctype must survive extraction")
	assert.Contains(t, res.StaticHTML, `<base href="`+s.url("/article")+`"`)

	assert.Equal(t, 0, b.open(), "tab must be closed")
	assert.Equal(t, 0, r.Stats().ActiveTabs)
}

func TestRender_NotFoundIsAResult(t *testing.T) {
	s := newSite(t)
	r := newTestRenderer(t, newFakeBrowser(), RenderConfig{})

	res, err := r.Render(context.Background(), s.url("/missing"), RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "Not found", res.Meta["title"])
}

func TestRender_HTTPRedirect(t *testing.T) {
	s := newSite(t)

	t.Run("not followed", func(t *testing.T) {
		b := newFakeBrowser()
		r := newTestRenderer(t, b, RenderConfig{})

		res, err := r.Render(context.Background(), s.url("/old"), RenderOptions{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusMovedPermanently, res.Status)
		assert.Equal(t, s.url("/article"), res.Redirect)
		assert.Empty(t, res.HTML)
		assert.Nil(t, res.Meta)
		assert.Nil(t, res.Links)
		assert.Equal(t, 0, b.open())
	})

	t.Run("followed", func(t *testing.T) {
		r := newTestRenderer(t, newFakeBrowser(), RenderConfig{FollowRedirect: true})

		res, err := r.Render(context.Background(), s.url("/old"), RenderOptions{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.Status)
		assert.Equal(t, s.url("/article"), res.Redirect)
		assert.Equal(t, "OG Article", res.Meta["title"])
	})
}

func TestRender_ScriptRedirect(t *testing.T) {
	s := newSite(t)
	setup := func() *fakeBrowser {
		b := newFakeBrowser()
		b.scripts[s.url("/start")] = func(ctx context.Context, tab *fakeTab) {
			_ = tab.navigate(ctx, s.url("/article"))
		}
		return b
	}

	t.Run("not followed", func(t *testing.T) {
		r := newTestRenderer(t, setup(), RenderConfig{})

		res, err := r.Render(context.Background(), s.url("/start"), RenderOptions{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusFound, res.Status)
		assert.Equal(t, s.url("/article"), res.Redirect)
		assert.Empty(t, res.HTML)
	})

	t.Run("followed", func(t *testing.T) {
		follow := true
		r := newTestRenderer(t, setup(), RenderConfig{})

		res, err := r.Render(context.Background(), s.url("/start"), RenderOptions{FollowRedirect: &follow})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.Status)
		assert.Equal(t, s.url("/article"), res.Redirect)
		assert.Equal(t, "OG Article", res.Meta["title"])
	})
}

func TestRender_FetchFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	target := dead.URL + "/gone"
	dead.Close()

	r := newTestRenderer(t, newFakeBrowser(), RenderConfig{})
	res, err := r.Render(context.Background(), target, RenderOptions{})
	require.Error(t, err)
	assert.Nil(t, res)

	var re *models.RenderError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, models.ErrCodeFetchFailed, re.Code)
	assert.Equal(t, string(proto.NetworkErrorReasonConnectionRefused), re.Reason)
}

func TestRender_InvalidContentType(t *testing.T) {
	s := newSite(t)
	r := newTestRenderer(t, newFakeBrowser(), RenderConfig{})

	_, err := r.Render(context.Background(), s.url("/data.json"), RenderOptions{})
	assert.Equal(t, models.ErrCodeInvalidContentType, renderCode(t, err))
}

func TestRender_InvalidInput(t *testing.T) {
	r := newTestRenderer(t, newFakeBrowser(), RenderConfig{})

	for _, u := range []string{"ftp://example.com/", "/relative", "https://"} {
		_, err := r.Render(context.Background(), u, RenderOptions{})
		assert.Equal(t, models.ErrCodeInvalidInput, renderCode(t, err), u)
	}

	_, err := r.Render(context.Background(), "https://example.com/", RenderOptions{
		ExtraMeta: map[string]cleaner.Selector{"bad": {Selector: "[[["}},
	})
	assert.Equal(t, models.ErrCodeInvalidInput, renderCode(t, err))
}

func TestRender_OptionsReachTheServer(t *testing.T) {
	s := newSite(t)
	r := newTestRenderer(t, newFakeBrowser(), RenderConfig{})

	_, err := r.Render(context.Background(), s.url("/article?a=1"), RenderOptions{
		UserAgent:   "prerender-test/1.0",
		QueryParams: url.Values{"_escaped_fragment_": {""}},
	})
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "prerender-test/1.0", s.userAgent)
	assert.Equal(t, "a=1&_escaped_fragment_=", s.query)
}

func TestRender_ExtraMeta(t *testing.T) {
	s := newSite(t)
	r := newTestRenderer(t, newFakeBrowser(), RenderConfig{})

	res, err := r.Render(context.Background(), s.url("/article"), RenderOptions{
		ExtraMeta: map[string]cleaner.Selector{"price": {Selector: ".price"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Meta["price"])
}

func TestRender_WaitsForPageReady(t *testing.T) {
	s := newSite(t)
	b := newFakeBrowser()
	b.pageReady = false
	b.readyAfter = 3
	r := newTestRenderer(t, b, RenderConfig{})

	res, err := r.Render(context.Background(), s.url("/article"), RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestRender_Timeout(t *testing.T) {
	s := newSite(t)
	b := newFakeBrowser()
	b.pageReady = false
	b.readyAfter = -1
	r := newTestRenderer(t, b, RenderConfig{})

	start := time.Now()
	_, err := r.Render(context.Background(), s.url("/article"), RenderOptions{Timeout: 300 * time.Millisecond})
	assert.Equal(t, models.ErrCodeTimeout, renderCode(t, err))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 0, b.open())
}

func TestRender_BrowserCrash(t *testing.T) {
	s := newSite(t)
	b := newFakeBrowser()
	b.pageReady = false
	b.readyAfter = -1
	r := newTestRenderer(t, b, RenderConfig{Timeout: 10 * time.Second})

	crashed := make(chan struct{}, 1)
	r.OnDisconnected(func() { crashed <- struct{}{} })

	time.AfterFunc(100*time.Millisecond, func() { _ = b.Close() })

	_, err := r.Render(context.Background(), s.url("/article"), RenderOptions{})
	assert.Equal(t, models.ErrCodeBrowserCrash, renderCode(t, err))

	select {
	case <-crashed:
	case <-time.After(2 * time.Second):
		t.Fatal("crash was not reported")
	}
	assert.Equal(t, int64(1), r.Stats().Crashes)
}

func TestRender_ConcurrentRendersAreIsolated(t *testing.T) {
	s := newSite(t)
	b := newFakeBrowser()
	r := newTestRenderer(t, b, RenderConfig{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]*models.RenderResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Render(context.Background(), s.url(fmt.Sprintf("/p/%d", i)), RenderOptions{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		path := fmt.Sprintf("/p/%d", i)
		assert.Equal(t, path, results[i].Meta["title"])
		assert.Equal(t, []string{s.url(path + "/child")}, results[i].Links)
	}
	assert.Equal(t, 0, b.open())
	assert.Equal(t, 0, r.Stats().ActiveTabs)
}

func TestRender_SubresourcesFollowPolicy(t *testing.T) {
	s := newSite(t)
	b := newFakeBrowser()

	var (
		mu   sync.Mutex
		seen = map[proto.NetworkResourceType]Disposition{}
	)
	b.scripts[s.url("/article")] = func(ctx context.Context, tab *fakeTab) {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range []proto.NetworkResourceType{
			proto.NetworkResourceTypeImage,
			proto.NetworkResourceTypeStylesheet,
			proto.NetworkResourceTypeScript,
		} {
			seen[typ] = tab.request(ctx, typ, s.url("/asset"))
		}
	}
	r := newTestRenderer(t, b, RenderConfig{})

	res, err := r.Render(context.Background(), s.url("/article"), RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Abort, seen[proto.NetworkResourceTypeImage].Kind)
	assert.Equal(t, Respond, seen[proto.NetworkResourceTypeStylesheet].Kind)
	assert.Equal(t, Continue, seen[proto.NetworkResourceTypeScript].Kind)
	assert.Equal(t, "text/css", seen[proto.NetworkResourceTypeStylesheet].Header.Get("Content-Type"))
}

func TestRender_RotationDoesNotKillLongRenders(t *testing.T) {
	s := newSite(t)

	var (
		mu       sync.Mutex
		browsers []*fakeBrowser
	)
	launch := func(context.Context) (Browser, error) {
		b := newFakeBrowser()
		b.scripts[s.url("/article")] = func(ctx context.Context, _ *fakeTab) {
			select {
			case <-time.After(600 * time.Millisecond):
			case <-ctx.Done():
			}
		}
		mu.Lock()
		browsers = append(browsers, b)
		mu.Unlock()
		return b, nil
	}
	r := New(Options{
		Launch:      launch,
		Defaults:    RenderConfig{Timeout: 200 * time.Millisecond},
		RotateAfter: 50 * time.Millisecond,
		Fetcher:     fetch.New(fetch.Options{}),
		Logger:      discardLogger(),
	})
	t.Cleanup(func() { _ = r.Close() })

	done := make(chan error, 1)
	go func() {
		_, err := r.Render(context.Background(), s.url("/article"), RenderOptions{Timeout: 3 * time.Second})
		done <- err
	}()

	// Rotate while the render is still inside its page script.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, r.Launch(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("render did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, browsers, 2)
	assert.Eventually(t, func() bool { return closed(browsers[0]) }, time.Second, 5*time.Millisecond)
	assert.False(t, closed(browsers[1]))
	assert.Zero(t, r.Stats().Crashes)
}

func TestRender_CanceledWhileWaitingForTab(t *testing.T) {
	s := newSite(t)
	b := newFakeBrowser()
	b.pageReady = false
	b.readyAfter = -1
	r := New(Options{
		Launch:   func(context.Context) (Browser, error) { return b, nil },
		Defaults: RenderConfig{Timeout: time.Second},
		MaxTabs:  1,
		Fetcher:  fetch.New(fetch.Options{}),
		Logger:   discardLogger(),
	})
	t.Cleanup(func() { _ = r.Close() })

	busy := make(chan struct{})
	go func() {
		defer close(busy)
		_, _ = r.Render(context.Background(), s.url("/article"), RenderOptions{})
	}()
	require.Eventually(t, func() bool { return r.Stats().ActiveTabs == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := r.Render(ctx, s.url("/article"), RenderOptions{})
	assert.Equal(t, models.ErrCodeInternal, renderCode(t, err))

	<-busy
}
