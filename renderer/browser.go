package renderer

import (
	"context"
	"net/http"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// Browser is a running browser process shared by concurrent renders.
type Browser interface {
	// NewTab opens an isolated tab on about:blank.
	NewTab(ctx context.Context) (Tab, error)

	// Close shuts the process down.
	Close() error

	// Done is closed once the process is gone, for whatever reason.
	Done() <-chan struct{}
}

// Tab is one page of a Browser. A Tab serves exactly one render.
type Tab interface {
	SetUserAgent(ctx context.Context, ua string) error

	// Intercept pauses every request the tab issues and hands it to handle,
	// one goroutine per request, then applies the returned Disposition.
	// Failures to apply it are swallowed. Interception stops when ctx ends.
	Intercept(ctx context.Context, handle Handler) error

	// Navigate starts a top-level navigation and returns once the browser
	// accepted or refused it. It does not wait for the page to load.
	Navigate(ctx context.Context, url string) error

	// Loads is the number of DOMContentLoaded events the top frame fired.
	Loads() int

	// WaitLoads blocks until Loads() >= n.
	WaitLoads(ctx context.Context, n int) error

	// Eval runs a JavaScript function expression in the top frame.
	Eval(ctx context.Context, js string) (gson.JSON, error)

	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)

	Close() error
}

// Handler decides what happens to one intercepted request.
type Handler func(ctx context.Context, req *InterceptedRequest) Disposition

// InterceptedRequest is a paused browser request. It is owned by a single
// handler call.
type InterceptedRequest struct {
	ResourceType proto.NetworkResourceType
	URL          string
	Method       string
	Header       http.Header
	Body         []byte

	// TopFrame is true when the request was issued by the tab's main frame.
	TopFrame bool
}

// IsDocument reports whether the request is a navigation of some frame.
func (r *InterceptedRequest) IsDocument() bool {
	return r.ResourceType == proto.NetworkResourceTypeDocument
}

// DispositionKind selects what a Disposition does.
type DispositionKind int

const (
	// Continue lets the browser issue the request itself, optionally with a
	// different URL or header set.
	Continue DispositionKind = iota
	// Respond fulfills the request with the given status, header and body.
	Respond
	// Abort fails the request with Reason.
	Abort
)

func (k DispositionKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Respond:
		return "respond"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Disposition is the outcome of one intercepted request. Only the fields
// relevant to Kind are read.
type Disposition struct {
	Kind DispositionKind

	// Continue: empty URL and nil Header keep the request's own.
	URL    string
	Header http.Header

	// Respond
	Status int
	Body   []byte

	// Abort
	Reason proto.NetworkErrorReason
}

func continueWith(url string, header http.Header) Disposition {
	return Disposition{Kind: Continue, URL: url, Header: header}
}

func respondWith(status int, header http.Header, body []byte) Disposition {
	return Disposition{Kind: Respond, Status: status, Header: header, Body: body}
}

func abortWith(reason proto.NetworkErrorReason) Disposition {
	return Disposition{Kind: Abort, Reason: reason}
}
