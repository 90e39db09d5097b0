package idsession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jamesread/idsession/browser"
	"github.com/jamesread/idsession/idpublic"
	"github.com/jamesread/idsession/tokenverify"
	log "github.com/sirupsen/logrus"
)

// Session talks to the identity service on behalf of one page.
//
// Every operation returns immediately; the calls to the service run in the
// background and their failures are swallowed. Use OnEvent or LastError to
// observe them, and Wait to block until they are done.
//
// CLEANUP: call Close when the page goes away to stop outstanding calls and
// the popup poll.
type Session struct {
	Config  *idpublic.Config
	Browser browser.Browser

	client       *http.Client
	verifier     *tokenverify.Verifier
	pollInterval time.Duration

	mu          sync.Mutex
	initialized bool
	configured  bool
	settings    idpublic.SessionConfig
	accessToken idpublic.AccessToken
	fetchedAt   time.Time
	lastErr     error

	hooks   []func(Event)
	hooksMu sync.RWMutex

	inflight     sync.WaitGroup
	inflightMu   sync.Mutex
	closing      bool
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// PopupPollInterval is how often an open login popup is checked for being closed.
const PopupPollInterval = 250 * time.Millisecond

// New creates an uninitialized session for the page shown in b.
// cfg may be nil, in which case defaults are used.
func New(cfg *idpublic.Config, b browser.Browser) (*Session, error) {
	if cfg == nil {
		cfg = &idpublic.Config{}
	}

	if b == nil {
		return nil, errors.New("browser cannot be nil")
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	s := &Session{
		Config:       cfg,
		Browser:      b,
		pollInterval: PopupPollInterval,
		accessToken:  idpublic.AccessToken{},
		client: &http.Client{
			Jar:     b.Jar(),
			Timeout: cfg.GetTimeout(),
		},
	}

	if cfg.Jwt.Configured() {
		verifier, err := tokenverify.New(cfg.Jwt)
		if err != nil {
			return nil, err
		}
		s.verifier = verifier
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// validateHost checks the service base URL
func validateHost(cfg *idpublic.Config) error {
	u, err := url.Parse(cfg.GetHost())
	if err != nil {
		return fmt.Errorf("host configuration error: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("host configuration error: scheme must be http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("host configuration error: no host in %q", cfg.GetHost())
	}

	return nil
}

func validateConfig(cfg *idpublic.Config) error {
	if err := validateHost(cfg); err != nil {
		return err
	}
	return tokenverify.ValidateConfig(cfg.Jwt)
}

// Init stores the session configuration and starts the background
// registration of the page's domain, followed by a user info fetch when
// registration succeeds.
func (s *Session) Init(sc idpublic.SessionConfig) {
	if sc.ClientID == "" {
		log.Warn("Session initialized without a client id")
	}

	s.mu.Lock()
	s.settings = sc
	s.configured = true
	s.initialized = true
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"clientId":    sc.ClientID,
		"cookie":      sc.Cookie,
		"redirectUrl": sc.RedirectURL,
		"host":        s.Config.GetHost(),
	}).Debug("Session initialized")

	s.goAsync(func() {
		s.registerDomain(sc, s.GetUserInfo)
	})
}

// GetUserInfo fetches the user info in the background and replaces the access
// token with it. It does nothing before Init or after a failed registration.
func (s *Session) GetUserInfo() {
	settings, ok := s.initializedSettings()
	if !ok {
		log.Debug("GetUserInfo called on uninitialized session, ignoring")
		return
	}

	s.goAsync(func() {
		s.fetchUserInfo(settings)
	})
}

// Login starts an interactive login: a popup when the redirect URL is empty
// or a single character, otherwise a navigation of the current page.
func (s *Session) Login() {
	settings, ok := s.initializedSettings()
	if !ok {
		log.Debug("Login called on uninitialized session, ignoring")
		return
	}

	loginURL := s.buildLoginURL(settings)

	if redirectURLLength(settings.RedirectURL) <= 1 {
		s.openLoginPopup(loginURL)
	} else {
		s.redirectToLogin(loginURL)
	}
}

// Logoff ends the session at the identity service. On success the access
// token is cleared and the page reloads, which leaves the session
// unconfigured. It does nothing before the first Init.
func (s *Session) Logoff() {
	s.mu.Lock()
	configured := s.configured
	settings := s.settings
	s.mu.Unlock()

	if !configured {
		log.Debug("Logoff called on unconfigured session, ignoring")
		return
	}

	s.goAsync(func() {
		s.logoff(settings)
	})
}

func (s *Session) initializedSettings() (idpublic.SessionConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.initialized
}

func (s *Session) registerDomain(settings idpublic.SessionConfig, onSuccess func()) {
	form := url.Values{"domain": {s.Browser.Host()}}

	_, err := s.call(callRegisterDomain, http.MethodPost, "Auth/RegDomain/"+url.PathEscape(settings.ClientID), strings.NewReader(form.Encode()))
	if err != nil {
		s.mu.Lock()
		s.initialized = false
		s.mu.Unlock()

		s.fail(EventRegistrationFailed, err)
		return
	}

	log.WithFields(log.Fields{
		"clientId": settings.ClientID,
		"domain":   form.Get("domain"),
	}).Info("Domain registered with identity service")

	s.emit(Event{Kind: EventDomainRegistered})

	onSuccess()
}

func (s *Session) fetchUserInfo(settings idpublic.SessionConfig) {
	body, err := s.call(callUserInfo, http.MethodGet, "Auth/UserInfo/"+url.PathEscape(settings.ClientID), nil)
	if err != nil {
		s.fail(EventUserInfoFailed, err)
		return
	}

	token, err := decodeAccessToken(body)
	if err != nil {
		s.fail(EventUserInfoFailed, fmt.Errorf("%s: %w", callUserInfo, err))
		return
	}

	s.mu.Lock()
	s.accessToken = token
	s.fetchedAt = time.Now()
	s.mu.Unlock()

	if s.Config.InsecureAllowDumpUserInfo {
		log.Debugf("User info: %+v", map[string]any(token))
	}

	log.WithFields(log.Fields{
		"clientId": settings.ClientID,
		"keys":     token.Keys(),
	}).Info("User info loaded")

	s.emit(Event{Kind: EventUserInfoLoaded})
}

func (s *Session) logoff(settings idpublic.SessionConfig) {
	_, err := s.call(callLogout, http.MethodGet, "Auth/Logout/"+url.PathEscape(settings.ClientID), nil)
	if err != nil {
		s.fail(EventLogoffFailed, err)
		return
	}

	s.mu.Lock()
	s.accessToken = idpublic.AccessToken{}
	s.fetchedAt = time.Time{}
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"clientId": settings.ClientID,
	}).Info("Logged off, reloading page")

	s.Browser.Reload()
	s.resetAfterReload()

	s.emit(Event{Kind: EventLoggedOff})
}

// resetAfterReload puts the session back into the state of a freshly loaded page.
func (s *Session) resetAfterReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = false
	s.configured = false
	s.settings = idpublic.SessionConfig{}
	s.accessToken = idpublic.AccessToken{}
}

// AccessToken returns a copy of the last user info payload.
func (s *Session) AccessToken() idpublic.AccessToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken.Clone()
}

func (s *Session) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Settings returns the configuration passed to the last Init.
func (s *Session) Settings() idpublic.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// goAsync runs fn on a tracked goroutine. Once Close has started no new work
// is accepted.
func (s *Session) goAsync(fn func()) {
	s.inflightMu.Lock()
	if s.closing {
		s.inflightMu.Unlock()
		log.Debug("Session closed, ignoring background call")
		return
	}
	s.inflight.Add(1)
	s.inflightMu.Unlock()

	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

// Wait blocks until every background call and popup poll has finished.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// Close cancels outstanding calls and the popup poll, then waits for them.
// It is safe to call Close multiple times; subsequent calls are no-ops.
func (s *Session) Close() error {
	var err error

	s.shutdownOnce.Do(func() {
		s.inflightMu.Lock()
		s.closing = true
		s.inflightMu.Unlock()

		s.cancel()
		s.inflight.Wait()
		s.client.CloseIdleConnections()

		if s.verifier != nil {
			err = s.verifier.Close()
		}

		log.Debug("Session closed")
	})

	return err
}
