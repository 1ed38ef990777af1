package renderer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"
)

// BrowserOptions configures the Chrome process started by LaunchRod.
type BrowserOptions struct {
	Headless  bool
	NoSandbox bool
	Bin       string
	Proxy     string

	// Stealth injects the go-rod/stealth evasions into every tab.
	Stealth bool

	Logger *slog.Logger
}

// LaunchRod returns a LaunchFunc that starts a local Chrome through the rod
// launcher.
func LaunchRod(opts BrowserOptions) LaunchFunc {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(ctx context.Context) (Browser, error) {
		l := launcher.New().
			Context(ctx).
			Headless(opts.Headless).
			NoSandbox(opts.NoSandbox)

		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		if opts.Proxy != "" {
			l = l.Proxy(opts.Proxy)
		}

		l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
		l.Delete(flags.Flag("enable-automation"))
		l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
		l.Set(flags.Flag("disable-ipc-flooding-protection"))
		l.Set(flags.Flag("disable-popup-blocking"))
		l.Set(flags.Flag("disable-renderer-backgrounding"))
		l.Set(flags.Flag("disable-background-timer-throttling"))
		l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
		l.Set(flags.Flag("disable-component-update"))
		l.Set(flags.Flag("disable-default-apps"))
		l.Set(flags.Flag("disable-dev-shm-usage"))
		l.Set(flags.Flag("disable-extensions"))
		l.Set(flags.Flag("no-first-run"))

		controlURL, err := l.Launch()
		if err != nil {
			return nil, err
		}
		opts.Logger.Info("browser launched", "controlURL", controlURL)

		// The launcher context only bounds startup; the connection must
		// outlive the call that launched it.
		b := rod.New().ControlURL(controlURL)
		if err := b.Connect(); err != nil {
			l.Kill()
			return nil, err
		}

		rb := &rodBrowser{
			b:       b,
			l:       l,
			stealth: opts.Stealth,
			log:     opts.Logger,
			done:    make(chan struct{}),
		}
		go rb.watch()
		return rb, nil
	}
}

type rodBrowser struct {
	b       *rod.Browser
	l       *launcher.Launcher
	stealth bool
	log     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// watch drains browser events; the channel closes when the CDP connection
// is lost, whether by crash or by Close.
func (rb *rodBrowser) watch() {
	for range rb.b.Event() {
	}
	close(rb.done)
}

func (rb *rodBrowser) Done() <-chan struct{} { return rb.done }

func (rb *rodBrowser) NewTab(ctx context.Context) (Tab, error) {
	var (
		page *rod.Page
		err  error
	)
	if rb.stealth {
		page, err = stealth.Page(rb.b.Context(ctx))
	} else {
		page, err = rb.b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, err
	}
	// Detach from the creation context so Close works after ctx ends.
	page = page.Context(context.Background())

	t := &rodTab{page: page, log: rb.log, changed: make(chan struct{})}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	go page.Context(t.ctx).EachEvent(func(*proto.PageDomContentEventFired) {
		t.loaded()
	})()
	return t, nil
}

func (rb *rodBrowser) Close() error {
	var err error
	rb.closeOnce.Do(func() {
		err = rb.b.Close()
		rb.l.Kill()
		rb.l.Cleanup()
	})
	return err
}

type rodTab struct {
	page *rod.Page
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	loads   int
	changed chan struct{}
}

func (t *rodTab) loaded() {
	t.mu.Lock()
	t.loads++
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *rodTab) Loads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loads
}

func (t *rodTab) WaitLoads(ctx context.Context, n int) error {
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
		case <-t.ctx.Done():
			return errors.New("renderer: tab closed")
		}
	}
}

func (t *rodTab) SetUserAgent(ctx context.Context, ua string) error {
	return t.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
}

func (t *rodTab) Intercept(ctx context.Context, handle Handler) error {
	err := proto.FetchEnable{
		Patterns: []*proto.FetchRequestPattern{{URLPattern: "*", RequestStage: proto.FetchRequestStageRequest}},
	}.Call(t.page)
	if err != nil {
		return err
	}

	page := t.page.Context(ctx)
	go page.EachEvent(func(e *proto.FetchRequestPaused) {
		go t.serve(ctx, e, handle)
	})()
	return nil
}

func (t *rodTab) serve(ctx context.Context, e *proto.FetchRequestPaused, handle Handler) {
	req := &InterceptedRequest{
		ResourceType: e.ResourceType,
		URL:          e.Request.URL + e.Request.URLFragment,
		Method:       e.Request.Method,
		Header:       make(http.Header, len(e.Request.Headers)),
		TopFrame:     e.FrameID == t.page.FrameID,
	}
	for k, v := range e.Request.Headers {
		req.Header.Set(k, v.Str())
	}
	if e.Request.PostData != "" {
		req.Body = []byte(e.Request.PostData)
	}

	d := handle(ctx, req)

	var err error
	switch d.Kind {
	case Continue:
		cont := proto.FetchContinueRequest{RequestID: e.RequestID, URL: d.URL}
		if d.Header != nil {
			cont.Headers = headerEntries(d.Header)
		}
		err = cont.Call(t.page)
	case Respond:
		err = proto.FetchFulfillRequest{
			RequestID:       e.RequestID,
			ResponseCode:    d.Status,
			ResponseHeaders: headerEntries(d.Header),
			Body:            d.Body,
			ResponsePhrase:  http.StatusText(d.Status),
		}.Call(t.page)
	default:
		reason := d.Reason
		if reason == "" {
			reason = proto.NetworkErrorReasonFailed
		}
		err = proto.FetchFailRequest{RequestID: e.RequestID, ErrorReason: reason}.Call(t.page)
	}
	if err != nil {
		t.log.Debug("applying request disposition", "url", req.URL, "disposition", d.Kind, "error", err)
	}
}

func headerEntries(h http.Header) []*proto.FetchHeaderEntry {
	entries := make([]*proto.FetchHeaderEntry, 0, len(h))
	for k, vs := range h {
		for _, v := range vs {
			entries = append(entries, &proto.FetchHeaderEntry{Name: k, Value: v})
		}
	}
	return entries
}

func (t *rodTab) Navigate(ctx context.Context, url string) error {
	return t.page.Context(ctx).Navigate(url)
}

func (t *rodTab) Eval(ctx context.Context, js string) (gson.JSON, error) {
	obj, err := t.page.Context(ctx).Eval(js)
	if err != nil {
		return gson.New(nil), err
	}
	return obj.Value, nil
}

// documentHTMLJS serializes the whole document. documentElement.outerHTML
// alone drops the doctype.
const documentHTMLJS = `() => {
	const d = document.doctype;
	const doctype = d ? new XMLSerializer().serializeToString(d) : "";
	return doctype + document.documentElement.outerHTML;
}`

func (t *rodTab) HTML(ctx context.Context) (string, error) {
	obj, err := t.page.Context(ctx).Eval(documentHTMLJS)
	if err != nil {
		return "", err
	}
	return obj.Value.Str(), nil
}

func (t *rodTab) Close() error {
	t.cancel()
	return t.page.Close()
}
