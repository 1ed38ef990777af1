// Package fetch retrieves resources outside the browser's network stack so
// that raw status, headers and body are visible before the browser sees them.
package fetch

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
)

const defaultMaxBody = 10 << 20 // 10 MB

// Options configures a Client.
type Options struct {
	// Proxy is an http(s) proxy URL applied to every fetch.
	Proxy string

	// ChromeTLS dials TLS with a Chrome ClientHello fingerprint.
	ChromeTLS bool

	// MaxBodyBytes caps how much of a body is read. Default: 10 MB.
	MaxBodyBytes int64
}

// Request describes one out-of-band fetch.
type Request struct {
	URL     string
	Method  string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is the raw result of a fetch. Redirects are not followed, so a
// 3xx arrives here with its Location header intact.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ContentType returns the declared media type, or a sniffed one when the
// server did not declare any.
func (r *Response) ContentType() string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	if len(r.Body) == 0 {
		return ""
	}
	return mimetype.Detect(r.Body).String()
}

// Client is safe for concurrent use.
type Client struct {
	rc      *resty.Client
	maxBody int64
}

// New creates a Client.
func New(opts Options) *Client {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	rc := resty.New().
		SetTransport(newTransport(opts)).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetDoNotParseResponse(true)

	return &Client{rc: rc, maxBody: maxBody}
}

// Do performs the request. Transport failures are returned as *Error.
// Non-2xx statuses are not errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	r := c.rc.R().SetContext(ctx)
	if len(req.Header) > 0 {
		r.SetHeaderMultiValues(forwardable(req.Header))
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, &Error{URL: req.URL, Reason: classify(err), Err: err}
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, c.maxBody))
	if err != nil {
		return nil, &Error{URL: req.URL, Reason: classify(err), Err: err}
	}

	return &Response{
		Status: resp.StatusCode(),
		Header: resp.Header().Clone(),
		Body:   body,
	}, nil
}

// Document fetches a top-level document. A successful response that is not
// markup returns the response together with a *ContentTypeError.
func (c *Client) Document(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 200 && resp.Status < 300 && len(resp.Body) > 0 {
		if ct := resp.ContentType(); !IsMarkup(ct) {
			return resp, &ContentTypeError{URL: req.URL, ContentType: ct}
		}
	}
	return resp, nil
}

// IsMarkup reports whether contentType is an HTML or XHTML media type.
func IsMarkup(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// forwardable drops headers the transport must own. Accept-Encoding is
// removed so the transport negotiates and transparently decodes gzip.
func forwardable(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Accept-Encoding", "Content-Length", "Connection", "Host", "Proxy-Connection", "Upgrade":
			continue
		}
		out[k] = v
	}
	return out
}
