package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// stateVar is the page global that records the script tag's load outcome.
const stateVar = "__cardscoutRuntime"

// ChromeRuntime hosts the runtime script inside a headless Chrome page driven
// over the DevTools protocol. It implements Bootstrapper and Capability.
type ChromeRuntime struct {
	cfg    config.RuntimeConfig
	logger *zap.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

var (
	_ Bootstrapper = (*ChromeRuntime)(nil)
	_ Capability   = (*ChromeRuntime)(nil)
)

// NewChromeRuntime returns a runtime that starts its browser on Inject.
func NewChromeRuntime(cfg config.RuntimeConfig, logger *zap.Logger) *ChromeRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeRuntime{cfg: cfg, logger: logger.Named("chrome_runtime")}
}

// ExecAllocatorOptions derives the Chrome flags from configuration. Extra args
// may be given as "flag" or "flag=value", with or without leading dashes.
func ExecAllocatorOptions(cfg config.RuntimeConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(arg, "-")
		if arg == "" {
			continue
		}
		if key, value, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(key, value))
			continue
		}
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// Inject starts the browser, opens the host page and appends the runtime's
// script tag. Calling it again reuses the running browser.
func (c *ChromeRuntime) Inject(ctx context.Context) error {
	browserCtx, err := c.ensureBrowser()
	if err != nil {
		return err
	}

	script, err := injectScript(c.cfg.ScriptURL)
	if err != nil {
		return err
	}

	c.logger.Debug("Injecting runtime script.", zap.String("script_url", c.cfg.ScriptURL), zap.String("host_page", c.cfg.HostPage))
	return c.run(ctx, browserCtx,
		chromedp.Navigate(c.hostPage()),
		chromedp.Evaluate(script, nil),
	)
}

// Ready reports whether the runtime's fetch function is installed. A script
// that failed to load is reported as an error so polling stops early.
func (c *ChromeRuntime) Ready(ctx context.Context) (bool, error) {
	browserCtx := c.currentBrowser()
	if browserCtx == nil {
		return false, errors.New("browser not started")
	}

	var state struct {
		Ready bool   `json:"ready"`
		Error string `json:"error"`
	}
	if err := c.run(ctx, browserCtx, chromedp.Evaluate(readyScript, &state)); err != nil {
		return false, err
	}
	if state.Error != "" {
		return false, errors.New(state.Error)
	}
	return state.Ready, nil
}

// Capability returns the runtime itself.
func (c *ChromeRuntime) Capability() Capability { return c }

// FetchLike issues req through the page's runtime fetch and materializes the
// whole response.
func (c *ChromeRuntime) FetchLike(ctx context.Context, req *Request) (*Response, error) {
	browserCtx := c.currentBrowser()
	if browserCtx == nil {
		return nil, errors.New("browser not started")
	}
	script, err := fetchScript(req)
	if err != nil {
		return nil, err
	}

	// A *[]byte target receives the raw JSON value.
	var raw []byte
	err = c.run(ctx, browserCtx, chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, fmt.Errorf("runtime fetch: %w", err)
	}
	return decodeFetchResult(raw)
}

// Close shuts the browser down.
func (c *ChromeRuntime) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCancel != nil {
		c.browserCancel()
		c.browserCancel = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
	}
	c.browserCtx = nil
}

func (c *ChromeRuntime) hostPage() string {
	if c.cfg.HostPage == "" {
		return "about:blank"
	}
	return c.cfg.HostPage
}

func (c *ChromeRuntime) currentBrowser() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browserCtx
}

func (c *ChromeRuntime) ensureBrowser() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx != nil {
		return c.browserCtx, nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), ExecAllocatorOptions(c.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(c.logger.Sugar().Debugf),
		chromedp.WithErrorf(c.logger.Sugar().Debugf),
	)
	// The first Run allocates the browser; it must not carry a per-call deadline
	// or the deadline would kill the browser along with the call.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	c.browserCtx, c.allocCancel, c.browserCancel = browserCtx, allocCancel, browserCancel
	c.logger.Debug("Browser started for runtime.", zap.Bool("headless", c.cfg.Headless))
	return browserCtx, nil
}

// run executes actions in the browser tab, cancelled when either the browser
// or the caller's ctx ends.
func (c *ChromeRuntime) run(ctx context.Context, browserCtx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithCancel(browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func injectScript(src string) (string, error) {
	if src == "" {
		return "", errors.New("runtime script url is empty")
	}
	quoted, err := json.Marshal(src)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
  if (window.%[1]s) { return true; }
  const state = window.%[1]s = { loaded: false, error: "" };
  const el = document.createElement("script");
  el.src = %[2]s;
  el.async = true;
  el.onload = () => { state.loaded = true; };
  el.onerror = () => { state.error = "failed to load " + el.src; };
  (document.head || document.documentElement).appendChild(el);
  return true;
})()`, stateVar, quoted), nil
}

var readyScript = fmt.Sprintf(`(() => {
  const state = window.%s || {};
  const net = window.puter && window.puter.net;
  return { ready: !!(net && typeof net.fetch === "function"), error: state.error || "" };
})()`, stateVar)

type fetchInit struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
}

func fetchScript(req *Request) (string, error) {
	if req == nil || req.URL == "" {
		return "", errors.New("runtime fetch requires a url")
	}
	init := fetchInit{Method: req.Method}
	if len(req.Header) > 0 {
		init.Headers = make(map[string]string, len(req.Header))
		for k := range req.Header {
			init.Headers[k] = req.Header.Get(k)
		}
	}
	if req.Body != nil {
		body := string(req.Body)
		init.Body = &body
	}

	target, err := json.Marshal(req.URL)
	if err != nil {
		return "", err
	}
	options, err := json.Marshal(init)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`(async () => {
  const resp = await window.puter.net.fetch(%s, %s);
  const bytes = new Uint8Array(await resp.arrayBuffer());
  let bin = "";
  for (let i = 0; i < bytes.length; i += 0x8000) {
    bin += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
  }
  const headers = {};
  if (resp.headers && typeof resp.headers.forEach === "function") {
    resp.headers.forEach((v, k) => { headers[k] = v; });
  }
  return { status: resp.status, headers: headers, body: btoa(bin) };
})()`, target, options), nil
}

type fetchResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func decodeFetchResult(raw []byte) (*Response, error) {
	var res fetchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode runtime response: %w", err)
	}
	if res.Status == 0 {
		return nil, errors.New("runtime response carried no status")
	}
	body, err := base64.StdEncoding.DecodeString(res.Body)
	if err != nil {
		return nil, fmt.Errorf("decode runtime response body: %w", err)
	}
	header := make(http.Header, len(res.Headers))
	for k, v := range res.Headers {
		header.Set(k, v)
	}
	return &Response{Status: res.Status, Header: header, Body: body}, nil
}
