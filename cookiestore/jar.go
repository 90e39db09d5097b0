// Package cookiestore is the platform cookie jar used by the headless browser.
// Cookies that carry an expiry outlive the process by being written to a YAML
// file; session cookies are kept in memory only, like a real browser.
package cookiestore

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/jamesread/golure/pkg/redact"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

// StoredCookie is the on-disk form of one persistent cookie.
type StoredCookie struct {
	URL      string `yaml:"url"`
	Name     string `yaml:"name"`
	Value    string `yaml:"value"`
	Domain   string `yaml:"domain,omitempty"` // empty for host-only cookies
	Path     string `yaml:"path"`
	Expiry   int64  `yaml:"expiry"`
	Secure   bool   `yaml:"secure"`
	HttpOnly bool   `yaml:"httpOnly"`
}

type jarFile struct {
	Cookies map[string]*StoredCookie `yaml:"cookies"`
}

// Jar implements http.CookieJar.
type Jar struct {
	inner *cookiejar.Jar

	cookies map[string]*StoredCookie
	mu      sync.RWMutex

	dir      string
	filename string

	writeMu      sync.Mutex  // Serializes file writes
	writeTimer   *time.Timer // Debounces writes after SetCookies
	writeTimerMu sync.Mutex
	shutdownOnce sync.Once
	closed       bool

	now func() time.Time
}

// writeDelay is how long SetCookies waits before flushing to disk.
var writeDelay = 500 * time.Millisecond

// New creates a jar. When dir is empty nothing is ever written to disk.
func New(dir, filename string) (*Jar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Jar{
		inner:    inner,
		cookies:  make(map[string]*StoredCookie),
		dir:      dir,
		filename: filename,
		now:      time.Now,
	}, nil
}

// NewMemory returns a jar that never touches the filesystem.
func NewMemory() *Jar {
	j, err := New("", "")
	if err != nil {
		// cookiejar.New only fails on a broken PublicSuffixList
		panic(err)
	}
	return j
}

func (j *Jar) persistent() bool {
	return j.dir != "" && j.filename != ""
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	changed := false

	j.mu.Lock()
	for _, c := range cookies {
		if j.recordCookie(u, c) {
			changed = true
		}
	}
	j.mu.Unlock()

	if changed {
		j.saveAsync()
	}
}

// recordCookie updates the persistent view of the jar. Caller holds j.mu.
func (j *Jar) recordCookie(u *url.URL, c *http.Cookie) bool {
	stored := toStoredCookie(u, c)
	key := cookieKey(u, stored)
	now := j.now()

	expiry, persistent := cookieExpiry(c, now)

	if !persistent || !expiry.After(now) {
		if _, ok := j.cookies[key]; ok {
			delete(j.cookies, key)
			return true
		}
		return false
	}

	stored.Expiry = expiry.Unix()
	j.cookies[key] = stored

	log.WithFields(log.Fields{
		"name":   c.Name,
		"value":  redact.RedactString(c.Value),
		"host":   u.Host,
		"expiry": expiry,
	}).Debug("Persistent cookie recorded")

	return true
}

// cookieExpiry returns when a cookie expires and whether it outlives the session.
func cookieExpiry(c *http.Cookie, now time.Time) (time.Time, bool) {
	if c.MaxAge < 0 {
		return now, true
	}

	if c.MaxAge > 0 {
		return now.Add(time.Duration(c.MaxAge) * time.Second), true
	}

	if !c.Expires.IsZero() {
		return c.Expires, true
	}

	return time.Time{}, false
}

func toStoredCookie(u *url.URL, c *http.Cookie) *StoredCookie {
	path := c.Path
	if path == "" {
		path = "/"
	}

	return &StoredCookie{
		URL:      (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}).String(),
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     path,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
	}
}

func cookieKey(u *url.URL, s *StoredCookie) string {
	domain := s.Domain
	if domain == "" {
		domain = u.Hostname()
	}
	return domain + "|" + s.Path + "|" + s.Name
}

func (s *StoredCookie) toHttpCookie() (*url.URL, *http.Cookie, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, nil, err
	}

	if u.Host == "" {
		return nil, nil, fmt.Errorf("cookie url has no host: %q", s.URL)
	}

	return u, &http.Cookie{
		Name:     s.Name,
		Value:    s.Value,
		Domain:   s.Domain,
		Path:     s.Path,
		Expires:  time.Unix(s.Expiry, 0),
		Secure:   s.Secure,
		HttpOnly: s.HttpOnly,
	}, nil
}

// Len returns the number of persistent cookies currently held.
func (j *Jar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.cookies)
}

// snapshot copies the persistent cookies for marshalling.
func (j *Jar) snapshot() *jarFile {
	j.mu.RLock()
	defer j.mu.RUnlock()

	ret := &jarFile{Cookies: make(map[string]*StoredCookie, len(j.cookies))}
	for k, v := range j.cookies {
		c := *v
		ret.Cookies[k] = &c
	}
	return ret
}

// replay loads stored cookies into the in-memory jar, skipping invalid ones.
func (j *Jar) replay(file *jarFile) int {
	now := j.now()
	maxFutureExpiry := now.Add(10 * 365 * 24 * time.Hour).Unix()

	loaded := 0

	j.mu.Lock()
	defer j.mu.Unlock()

	for key, stored := range file.Cookies {
		if !validateStoredCookie(key, stored, now.Unix(), maxFutureExpiry) {
			continue
		}

		u, c, err := stored.toHttpCookie()
		if err != nil {
			log.WithFields(log.Fields{
				"key":   key,
				"error": err,
			}).Warn("Found cookie with invalid url, removing")
			continue
		}

		j.inner.SetCookies(u, []*http.Cookie{c})
		j.cookies[key] = stored
		loaded++
	}

	return loaded
}

func validateStoredCookie(key string, stored *StoredCookie, now, maxFutureExpiry int64) bool {
	if stored == nil || stored.Name == "" {
		log.WithFields(log.Fields{
			"key": key,
		}).Warn("Found cookie without a name, removing")
		return false
	}

	if stored.Expiry <= now {
		log.WithFields(log.Fields{
			"key":    key,
			"expiry": stored.Expiry,
		}).Debug("Found expired cookie, removing")
		return false
	}

	if stored.Expiry > maxFutureExpiry {
		log.WithFields(log.Fields{
			"key":    key,
			"expiry": stored.Expiry,
		}).Warn("Found cookie with expiry too far in future, removing")
		return false
	}

	return true
}

// Load reads the cookie file into the jar. A missing file is not an error.
func (j *Jar) Load() error {
	if !j.persistent() {
		return nil
	}

	file, err := loadFile(j.dir, j.filename)
	if err != nil {
		return err
	}

	loaded := j.replay(file)

	log.WithFields(log.Fields{
		"dir":     j.dir,
		"file":    j.filename,
		"cookies": loaded,
	}).Debug("Cookies loaded")

	return nil
}

// Save writes the jar to disk synchronously.
func (j *Jar) Save() error {
	if !j.persistent() {
		return nil
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	return saveFile(j.dir, j.filename, j.snapshot())
}

func (j *Jar) saveAsync() {
	if !j.persistent() {
		return
	}

	j.writeTimerMu.Lock()
	defer j.writeTimerMu.Unlock()

	if j.closed {
		return
	}

	if j.writeTimer != nil {
		j.writeTimer.Stop()
	}

	j.writeTimer = time.AfterFunc(writeDelay, func() {
		if err := j.Save(); err != nil {
			log.WithError(err).Warn("Failed to save cookies")
		}
	})
}

// Shutdown stops pending writes and performs a final save. Safe to call more than once.
func (j *Jar) Shutdown() error {
	var err error

	j.shutdownOnce.Do(func() {
		j.writeTimerMu.Lock()
		j.closed = true
		if j.writeTimer != nil {
			j.writeTimer.Stop()
		}
		j.writeTimerMu.Unlock()

		err = j.Save()
	})

	return err
}
