// Package browser renders JavaScript-heavy pages in headless Chrome via rod.
// web_fetch falls back to it when the static markup of an HTML page carries
// no extractable content.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	renderTimeout = 30 * time.Second

	// settleWait is how long the DOM must stay unchanged before the page
	// counts as rendered.
	settleWait = time.Second
)

// Renderer drives one shared Chrome instance. The browser launches lazily on
// the first render and is reused until Close.
type Renderer struct {
	headless bool

	mu      sync.Mutex
	browser *rod.Browser
	launch  *launcher.Launcher
}

// New creates a renderer. Chrome does not start until the first RenderHTML.
func New(headless bool) *Renderer {
	return &Renderer{headless: headless}
}

// RenderHTML navigates to pageURL and returns the DOM serialized after the
// page settles.
func (r *Renderer) RenderHTML(ctx context.Context, pageURL string) (string, error) {
	b, err := r.ensureBrowser()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := page.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	// Client-side frameworks keep mutating after load; best effort.
	_ = page.WaitStable(settleWait)

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("serialize dom: %w", err)
	}
	return html, nil
}

func (r *Renderer) ensureBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().Headless(r.headless).Leakless(true)
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}

	r.launch = l
	r.browser = b
	slog.Info("browser renderer started", "headless", r.headless)
	return b, nil
}

// Close shuts the shared browser down. Safe without a prior render and safe
// to call twice.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			slog.Debug("browser close failed", "error", err)
		}
		r.browser = nil
	}
	if r.launch != nil {
		r.launch.Kill()
		r.launch = nil
	}
}
