package renderer

import (
	"net/http"
	"sync"

	"github.com/use-agent/prerender/models"
)

type navState int

const (
	navNotNavigated navState = iota
	navNavigating
	navCompleted
	navRedirectedHTTP
	navRedirectedScript
	navFailed
)

func (s navState) String() string {
	switch s {
	case navNotNavigated:
		return "not_navigated"
	case navNavigating:
		return "navigating"
	case navCompleted:
		return "completed"
	case navRedirectedHTTP:
		return "redirected_http"
	case navRedirectedScript:
		return "redirected_script"
	case navFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// navKind classifies a top-level document request.
type navKind int

const (
	navFirst navKind = iota
	navHTTPHop
	navScript
)

func (k navKind) String() string {
	switch k {
	case navFirst:
		return "first"
	case navHTTPHop:
		return "http_hop"
	default:
		return "script"
	}
}

// navTracker follows the top-level navigations of one render.
//
// A document request that follows a 3xx recorded by redirected is an HTTP
// hop. Any other document request after the first was started by the page
// itself. status/redirect hold what the result reports: the first redirect
// target, and the status of the last document served.
type navTracker struct {
	mu sync.Mutex

	state       navState
	navigations int
	pendingHop  bool

	status   int
	redirect string

	// loads counted by the tab when the latest navigation began; that
	// navigation has loaded once the tab counts more.
	loadsAtBegin int
}

func newNavTracker(baselineLoads int) *navTracker {
	return &navTracker{loadsAtBegin: baselineLoads}
}

// begin registers a top-level document request. loads is the tab's
// DOMContentLoaded count at that moment.
func (t *navTracker) begin(loads int) navKind {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.navigations++
	t.loadsAtBegin = loads

	kind := navScript
	switch {
	case t.navigations == 1:
		kind = navFirst
	case t.pendingHop:
		kind = navHTTPHop
	}
	t.pendingHop = false
	if t.state == navNotNavigated || t.state == navCompleted {
		t.state = navNavigating
	}
	return kind
}

// redirected records a 3xx response. Only the first hop sets the reported
// redirect target.
func (t *navTracker) redirected(status int, location string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pendingHop = true
	t.state = navRedirectedHTTP
	if t.redirect == "" {
		t.status = status
		t.redirect = location
	}
}

// scriptRedirect records a navigation started by page script. With
// follow disabled it is reported as a 302 to target.
func (t *navTracker) scriptRedirect(target string, follow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.redirect == "" {
		t.redirect = target
	}
	if follow {
		return
	}
	t.state = navRedirectedScript
	t.status = http.StatusFound
}

// completed records the final document status.
func (t *navTracker) completed(status int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = navCompleted
	t.status = status
}

func (t *navTracker) failed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = navFailed
}

// settled reports whether the latest navigation has fired DOMContentLoaded
// given the tab's current load count.
func (t *navTracker) settled(loads int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return loads > t.loadsAtBegin
}

// nextLoad is the load count that marks the latest navigation as loaded.
func (t *navTracker) nextLoad() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadsAtBegin + 1
}

func (t *navTracker) Navigations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.navigations
}

func (t *navTracker) State() navState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// result returns a result carrying only status and redirect.
func (t *navTracker) result() *models.RenderResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &models.RenderResult{Status: t.status, Redirect: t.redirect}
}
