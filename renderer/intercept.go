package renderer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-rod/rod/lib/proto"
	"github.com/use-agent/prerender/fetch"
	"github.com/use-agent/prerender/metrics"
	"github.com/use-agent/prerender/models"
	"github.com/use-agent/prerender/rewrite"
)

// Fetcher retrieves resources outside the browser. *fetch.Client is the
// production implementation.
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Response, error)
	Document(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// strippedRequestHeaders are added by DevTools and must not reach servers.
var strippedRequestHeaders = []string{
	"X-Devtools-Emulate-Network-Conditions-Client-Id",
	"X-Devtools-Request-Id",
}

// hopHeaders describe the original transfer and would desynchronize an
// injected response whose body is already decoded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Encoding",
	"Content-Length",
}

// interceptor routes the requests of one tab. It is created per render and
// captures only that render's configuration and result slot.
type interceptor struct {
	cfg   *RenderConfig
	fetch Fetcher
	res   *resolver
	nav   *navTracker
	loads func() int
	log   *slog.Logger
	m     *metrics.Metrics
}

// handle is the Handler installed on the tab.
//
// Decision order:
//  1. Resolved render        – abort, the tab is being torn down
//  2. Rewrite                – blocked → abort; rewritten → new URL + Host
//  3. Sub-frame navigation   – abort, only the top frame may navigate
//  4. Top-level document     – out-of-band fetch, see document
//  5. Sub-resource           – per ResourcePolicy
func (ic *interceptor) handle(ctx context.Context, req *InterceptedRequest) Disposition {
	d := ic.route(ctx, req)
	ic.m.RecordIntercept(string(req.ResourceType), d.Kind.String())
	return d
}

func (ic *interceptor) route(ctx context.Context, req *InterceptedRequest) Disposition {
	// ── 1. Already resolved ─────────────────────────────────────────
	if ic.res.resolved() {
		return abortWith(proto.NetworkErrorReasonAborted)
	}

	// ── 2. Rewrite ──────────────────────────────────────────────────
	target, blocked := rewrite.Apply(req.URL, ic.cfg.Rewrites)
	if blocked {
		ic.log.Debug("request blocked by rewrite", "url", req.URL, "type", req.ResourceType)
		return abortWith(proto.NetworkErrorReasonBlockedByClient)
	}

	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	dirty := false
	for _, k := range strippedRequestHeaders {
		if header.Get(k) != "" {
			header.Del(k)
			dirty = true
		}
	}
	if target != req.URL {
		u, err := url.Parse(target)
		if err != nil {
			return abortWith(proto.NetworkErrorReasonBlockedByClient)
		}
		header.Set("Host", u.Host)
		dirty = true
		ic.log.Debug("request rewritten", "from", req.URL, "to", target)
	}

	// ── 3. Sub-frame navigation ─────────────────────────────────────
	if req.IsDocument() && !req.TopFrame {
		ic.log.Debug("sub-frame navigation aborted", "url", target)
		return abortWith(proto.NetworkErrorReasonBlockedByClient)
	}

	// ── 4. Top-level document ───────────────────────────────────────
	if req.IsDocument() {
		return ic.document(ctx, req, target, header)
	}

	// ── 5. Sub-resource ─────────────────────────────────────────────
	switch ic.cfg.Resources.Action(req.ResourceType) {
	case ActionContinue:
		ic.log.Debug("continue", "type", req.ResourceType, "url", target)
		var cu string
		if target != req.URL {
			cu = target
		}
		if !dirty {
			header = nil
		}
		return continueWith(cu, header)

	case ActionFetch:
		return ic.subresource(ctx, req, target, header)

	case ActionStub:
		ic.log.Debug("stub", "type", req.ResourceType, "url", target)
		h, body := stub(req.ResourceType)
		return respondWith(http.StatusOK, h, body)

	default:
		ic.log.Debug("abort", "type", req.ResourceType, "url", target)
		return abortWith(proto.NetworkErrorReasonBlockedByClient)
	}
}

// document handles a top-level navigation request: script redirects are
// detected first, then the document is fetched out-of-band so status,
// redirects and content type are known before the browser sees a byte.
func (ic *interceptor) document(ctx context.Context, req *InterceptedRequest, target string, header http.Header) Disposition {
	kind := ic.nav.begin(ic.loads())
	ic.log.Debug("top-level navigation", "url", target, "kind", kind)

	if kind == navScript {
		ic.nav.scriptRedirect(req.URL, ic.cfg.FollowRedirect)
		if !ic.cfg.FollowRedirect {
			ic.res.resolve(ic.nav.result(), nil)
			return abortWith(proto.NetworkErrorReasonAborted)
		}
	}

	docURL := appendQuery(target, ic.cfg.QueryParams)
	resp, err := ic.fetch.Document(ctx, fetch.Request{
		URL:     docURL,
		Method:  req.Method,
		Header:  header,
		Body:    req.Body,
		Timeout: ic.cfg.documentTimeout(),
	})

	switch {
	case errors.Is(err, fetch.ErrInvalidContentType):
		ic.m.RecordDocumentFetch("invalid_content_type")
		ic.nav.failed()
		ic.res.resolve(nil, models.NewRenderError(models.ErrCodeInvalidContentType, "document is not html", err))
		return abortWith(proto.NetworkErrorReasonAborted)

	case err != nil:
		reason := fetch.Reason(err)
		ic.m.RecordDocumentFetch("error")
		ic.nav.failed()
		ic.res.resolve(nil, models.NewFetchError(string(reason), "document fetch failed", err))
		return abortWith(reason)
	}

	if isRedirect(resp.Status) {
		if loc := resp.Header.Get("Location"); loc != "" {
			abs := resolveRef(docURL, loc)
			ic.m.RecordDocumentFetch("redirect")
			ic.nav.redirected(resp.Status, abs)
			ic.log.Debug("document redirect", "url", docURL, "status", resp.Status, "location", abs)

			if !ic.cfg.FollowRedirect {
				ic.res.resolve(ic.nav.result(), nil)
				return abortWith(proto.NetworkErrorReasonAborted)
			}
			h := responseHeader(resp.Header)
			h.Set("Location", abs)
			return respondWith(resp.Status, h, nil)
		}
	}

	ic.m.RecordDocumentFetch("ok")
	ic.nav.completed(resp.Status)
	return respondWith(resp.Status, responseHeader(resp.Header), resp.Body)
}

// subresource fetches a resource out-of-band. Failures only affect this
// request.
func (ic *interceptor) subresource(ctx context.Context, req *InterceptedRequest, target string, header http.Header) Disposition {
	resp, err := ic.fetch.Do(ctx, fetch.Request{
		URL:     target,
		Method:  req.Method,
		Header:  header,
		Body:    req.Body,
		Timeout: ic.cfg.SubresourceTimeout,
	})
	if err != nil {
		ic.log.Debug("sub-resource fetch failed", "url", target, "error", err)
		return abortWith(fetch.Reason(err))
	}
	return respondWith(resp.Status, responseHeader(resp.Header), resp.Body)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// responseHeader copies h without hop-by-hop and transfer-shape headers.
func responseHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

func appendQuery(rawURL string, params url.Values) string {
	if len(params) == 0 {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.RawQuery != "" {
		u.RawQuery += "&"
	}
	u.RawQuery += params.Encode()
	return u.String()
}

func resolveRef(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	u, err := b.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
