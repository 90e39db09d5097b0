package browser

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jamesread/idsession/cookiestore"
	log "github.com/sirupsen/logrus"
)

// Opener opens a window for Headless.Open.
type Opener func(rawURL, features string) Window

// Headless is a Browser for programs without a real page: it keeps a
// location, a cookie jar and a navigation history, and hands popups to an
// Opener.
type Headless struct {
	location *url.URL
	jar      http.CookieJar
	opener   Opener

	history   []string
	reloads   int
	onReload  []func()
	historyMu sync.RWMutex
}

// NewHeadless creates a browser whose current page is pageURL. A nil jar
// gets an in-memory cookiestore jar.
func NewHeadless(pageURL string, jar http.CookieJar) (*Headless, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url %q: %w", pageURL, err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("page url must be absolute: %q", pageURL)
	}

	if jar == nil {
		jar = cookiestore.NewMemory()
	}

	return &Headless{
		location: u,
		jar:      jar,
		opener:   logOpener,
		history:  []string{u.String()},
	}, nil
}

// logOpener is the default Opener. Nothing can be shown, so the URL is logged
// and the window reports itself closed straight away.
func logOpener(rawURL, features string) Window {
	log.WithFields(log.Fields{
		"url":      rawURL,
		"features": features,
	}).Info("Open this URL in a browser to continue")

	w := NewManualWindow()
	w.Close()
	return w
}

// SetOpener replaces the function used for popups.
func (h *Headless) SetOpener(opener Opener) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()

	if opener == nil {
		opener = logOpener
	}
	h.opener = opener
}

// OnReload registers fn to run whenever the page reloads.
func (h *Headless) OnReload(fn func()) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	h.onReload = append(h.onReload, fn)
}

func (h *Headless) Host() string {
	h.historyMu.RLock()
	defer h.historyMu.RUnlock()
	return h.location.Host
}

// Location returns the current page URL.
func (h *Headless) Location() string {
	h.historyMu.RLock()
	defer h.historyMu.RUnlock()
	return h.location.String()
}

func (h *Headless) Cookie() string {
	h.historyMu.RLock()
	loc := *h.location
	h.historyMu.RUnlock()

	cookies := h.jar.Cookies(&loc)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}

	return strings.Join(parts, "; ")
}

func (h *Headless) Jar() http.CookieJar {
	return h.jar
}

func (h *Headless) Open(rawURL, features string) Window {
	h.historyMu.RLock()
	opener := h.opener
	h.historyMu.RUnlock()

	return opener(rawURL, features)
}

func (h *Headless) Navigate(rawURL string) {
	h.historyMu.Lock()
	u, err := h.location.Parse(rawURL)
	if err == nil {
		h.location = u
		h.history = append(h.history, u.String())
	}
	h.historyMu.Unlock()

	if err != nil {
		log.WithFields(log.Fields{
			"url":   rawURL,
			"error": err,
		}).Warn("Ignoring navigation to invalid url")
		return
	}

	log.WithFields(log.Fields{
		"url": u.String(),
	}).Debug("Page navigated")
}

func (h *Headless) Reload() {
	h.historyMu.Lock()
	h.reloads++
	hooks := make([]func(), len(h.onReload))
	copy(hooks, h.onReload)
	h.historyMu.Unlock()

	log.WithFields(log.Fields{
		"url": h.Location(),
	}).Debug("Page reloaded")

	for _, fn := range hooks {
		fn()
	}
}

// History returns every URL the page has shown, oldest first.
func (h *Headless) History() []string {
	h.historyMu.RLock()
	defer h.historyMu.RUnlock()

	ret := make([]string, len(h.history))
	copy(ret, h.history)
	return ret
}

// Reloads returns how many times the page has been reloaded.
func (h *Headless) Reloads() int {
	h.historyMu.RLock()
	defer h.historyMu.RUnlock()
	return h.reloads
}

// ManualWindow is a Window that closes when Close is called.
type ManualWindow struct {
	closed atomic.Bool
	checks atomic.Int64
}

func NewManualWindow() *ManualWindow {
	return &ManualWindow{}
}

func (w *ManualWindow) Close() {
	if w == nil {
		return
	}
	w.closed.Store(true)
}

// Closed reports whether Close has been called. A nil window is closed.
func (w *ManualWindow) Closed() bool {
	if w == nil {
		return true
	}
	w.checks.Add(1)
	return w.closed.Load()
}

// Checks returns how many times Closed has been called.
func (w *ManualWindow) Checks() int64 {
	if w == nil {
		return 0
	}
	return w.checks.Load()
}
