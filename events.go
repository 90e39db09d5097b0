package idsession

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

type EventKind string

const (
	EventDomainRegistered   EventKind = "domain-registered"
	EventRegistrationFailed EventKind = "registration-failed"
	EventUserInfoLoaded     EventKind = "userinfo-loaded"
	EventUserInfoFailed     EventKind = "userinfo-failed"
	EventLoginPopupOpened   EventKind = "login-popup-opened"
	EventLoginPopupClosed   EventKind = "login-popup-closed"
	EventLoginRedirected    EventKind = "login-redirected"
	EventLoggedOff          EventKind = "logged-off"
	EventLogoffFailed       EventKind = "logoff-failed"
)

// Event reports something the session did in the background. Err is set for
// the failure kinds; URL is set for login events.
type Event struct {
	Kind EventKind
	Err  error
	URL  string
}

// RemoteError is returned when the identity service answers with a non-2xx status.
type RemoteError struct {
	Call       string
	Method     string
	URL        string
	StatusCode int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s %s returned status %d", e.Call, e.Method, e.URL, e.StatusCode)
}

// OnEvent registers a hook that is called for every Event. Hooks run on the
// goroutine that produced the event and must not call Close or Wait.
func (s *Session) OnEvent(hook func(Event)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// LastError returns the most recent failure that was swallowed, or nil.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) emit(ev Event) {
	s.hooksMu.RLock()
	hooks := make([]func(Event), len(s.hooks))
	copy(hooks, s.hooks)
	s.hooksMu.RUnlock()

	for _, hook := range hooks {
		runHookWithPanicRecovery(hook, ev)
	}
}

// runHookWithPanicRecovery keeps a broken hook from taking the session down.
func runHookWithPanicRecovery(hook func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"panic": r,
				"event": ev.Kind,
			}).Errorf("Panic recovered in session event hook")
		}
	}()
	hook(ev)
}

// fail records err as the last error and reports it. Nothing is returned to
// the original caller.
func (s *Session) fail(kind EventKind, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"event": kind,
		"error": err,
	}).Warn("Identity service call failed")

	s.emit(Event{Kind: kind, Err: err})
}
