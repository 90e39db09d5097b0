package idsession

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/jamesread/idsession/browser"
	"github.com/jamesread/idsession/idpublic"
	log "github.com/sirupsen/logrus"
)

// PopupFeatures is the window feature string used for the login popup.
const PopupFeatures = "scrollbars=no,menubar=no,toolbar=no,status=no"

// LoginURL returns the URL Login would open for the current settings.
func (s *Session) LoginURL() string {
	return s.buildLoginURL(s.Settings())
}

// buildLoginURL appends redirect_url only for redirect URLs longer than one
// character. A one character redirect URL opens a popup without it.
func (s *Session) buildLoginURL(settings idpublic.SessionConfig) string {
	loginURL := s.endpoint("Auth/Login/") + "?clientid=" + encodeURIComponent(settings.ClientID)

	if redirectURLLength(settings.RedirectURL) > 1 {
		loginURL += "&redirect_url=" + encodeURIComponent(settings.RedirectURL)
	}

	if settings.Cookie {
		loginURL += "&cookie=true"
	} else {
		loginURL += "&cookie=false"
	}

	return loginURL
}

// redirectURLLength counts UTF-16 code units, the unit browsers report for
// string length.
func redirectURLLength(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// encodeURIComponent escapes s the way browsers do for a single URI
// component: spaces become %20 and !'()* are left alone.
func encodeURIComponent(s string) string {
	escaped := url.QueryEscape(s)

	return strings.NewReplacer(
		"+", "%20",
		"%21", "!",
		"%27", "'",
		"%28", "(",
		"%29", ")",
		"%2A", "*",
	).Replace(escaped)
}

func (s *Session) redirectToLogin(loginURL string) {
	log.WithFields(log.Fields{
		"url": loginURL,
	}).Info("Redirecting page to login")

	s.Browser.Navigate(loginURL)
	s.emit(Event{Kind: EventLoginRedirected, URL: loginURL})
}

func (s *Session) openLoginPopup(loginURL string) {
	win := s.Browser.Open(loginURL, PopupFeatures)

	log.WithFields(log.Fields{
		"url":     loginURL,
		"blocked": win == nil,
	}).Info("Login popup opened")

	s.emit(Event{Kind: EventLoginPopupOpened, URL: loginURL})

	s.goAsync(func() {
		s.pollPopup(win, loginURL)
	})
}

// pollPopup waits for the popup to close. The ticker is stopped exactly once,
// when the window is seen closed or the session is closed.
func (s *Session) pollPopup(win browser.Window, loginURL string) {
	if win == nil {
		s.emit(Event{Kind: EventLoginPopupClosed, URL: loginURL})
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Debug("Session closed while login popup open, stopping poll")
			return
		case <-ticker.C:
			if win.Closed() {
				log.Debug("Login popup closed")
				s.emit(Event{Kind: EventLoginPopupClosed, URL: loginURL})
				return
			}
		}
	}
}
