package idsession

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jamesread/idsession/browser"
	"github.com/jamesread/idsession/idpublic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageURL = "https://app.example.com/index.html"

// fakeIDService stands in for the hosted identity service.
type fakeIDService struct {
	mu sync.Mutex

	regStatus      int
	userInfoStatus int
	userInfoBody   string
	logoutStatus   int
	setCookie      string

	calls   []string
	domains []string
	cookies map[string][]string
}

func newFakeIDService(t *testing.T) (*fakeIDService, *httptest.Server) {
	f := &fakeIDService{
		regStatus:      http.StatusOK,
		userInfoStatus: http.StatusOK,
		userInfoBody:   `{"access_token":"abc","user":{"name":"Alice"},"expires_in":3600}`,
		logoutStatus:   http.StatusOK,
		cookies:        make(map[string][]string),
	}

	srv := httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeIDService) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := r.Method + " " + r.URL.Path
	f.calls = append(f.calls, call)
	f.cookies[call] = append(f.cookies[call], r.Header.Get("Cookie"))

	switch {
	case strings.HasPrefix(r.URL.Path, "/Auth/RegDomain/"):
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		f.domains = append(f.domains, form.Get("domain"))
		if f.setCookie != "" {
			w.Header().Add("Set-Cookie", f.setCookie)
		}
		w.WriteHeader(f.regStatus)
	case strings.HasPrefix(r.URL.Path, "/Auth/UserInfo/"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.userInfoStatus)
		io.WriteString(w, f.userInfoBody)
	case strings.HasPrefix(r.URL.Path, "/Auth/Logout/"):
		w.WriteHeader(f.logoutStatus)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeIDService) set(fn func(f *fakeIDService)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeIDService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeIDService) Domains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.domains...)
}

func (f *fakeIDService) CookiesFor(call string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.cookies[call]...)
}

type testHarness struct {
	session *Session
	page    *browser.Headless
	popups  []string
	windows []*browser.ManualWindow
	events  []Event
	mu      sync.Mutex
}

func newTestHarness(t *testing.T, srv *httptest.Server) *testHarness {
	page, err := browser.NewHeadless(testPageURL, nil)
	require.NoError(t, err)

	s, err := New(&idpublic.Config{Host: srv.URL}, page)
	require.NoError(t, err)
	s.pollInterval = 5 * time.Millisecond

	h := &testHarness{session: s, page: page}

	page.SetOpener(func(rawURL, features string) browser.Window {
		h.mu.Lock()
		defer h.mu.Unlock()
		w := browser.NewManualWindow()
		h.popups = append(h.popups, rawURL)
		h.windows = append(h.windows, w)
		return w
	})

	s.OnEvent(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})

	t.Cleanup(func() {
		h.closeWindows()
		s.Close()
	})

	return h
}

func (h *testHarness) closeWindows() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.windows {
		w.Close()
	}
}

func (h *testHarness) Popups() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.popups...)
}

func (h *testHarness) EventKinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	ret := []EventKind{}
	for _, ev := range h.events {
		ret = append(ret, ev.Kind)
	}
	return ret
}

func TestNew_Validation(t *testing.T) {
	page, err := browser.NewHeadless(testPageURL, nil)
	require.NoError(t, err)

	_, err = New(nil, nil)
	assert.Error(t, err)

	_, err = New(&idpublic.Config{Host: "ftp://id.example.com/"}, page)
	assert.Error(t, err)

	_, err = New(&idpublic.Config{Host: "https://"}, page)
	assert.Error(t, err)

	_, err = New(&idpublic.Config{Jwt: idpublic.JwtConfig{CertsURL: "https://a", PubKeyPath: "/b"}}, page)
	assert.Error(t, err)

	s, err := New(nil, page)
	require.NoError(t, err)
	assert.Equal(t, idpublic.DefaultHost, s.Config.GetHost())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestOperationsBeforeInitAreNoOps(t *testing.T) {
	fake, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	h.session.GetUserInfo()
	h.session.Login()
	h.session.Logoff()
	h.session.Wait()

	assert.Empty(t, fake.Calls())
	assert.Empty(t, h.Popups())
	assert.Equal(t, []string{testPageURL}, h.page.History())
	assert.Equal(t, 0, h.page.Reloads())
	assert.True(t, h.session.AccessToken().IsEmpty())
	assert.False(t, h.session.IsInitialized())
	assert.Empty(t, h.EventKinds())
}

func TestInit_RegistersDomainThenFetchesUserInfo(t *testing.T) {
	fake, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()

	assert.Equal(t, []string{"POST /Auth/RegDomain/X", "GET /Auth/UserInfo/X"}, fake.Calls())
	assert.Equal(t, []string{"app.example.com"}, fake.Domains())
	assert.True(t, h.session.IsInitialized())
	assert.NoError(t, h.session.LastError())

	assert.Equal(t, idpublic.AccessToken{
		"access_token": "abc",
		"user":         map[string]any{"name": "Alice"},
		"expires_in":   json.Number("3600"),
	}, h.session.AccessToken())

	assert.Equal(t, []EventKind{EventDomainRegistered, EventUserInfoLoaded}, h.EventKinds())
}

func TestInit_RegistrationFailureDisablesSession(t *testing.T) {
	fake, srv := newFakeIDService(t)
	fake.set(func(f *fakeIDService) { f.regStatus = http.StatusInternalServerError })
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()

	assert.False(t, h.session.IsInitialized())
	assert.Equal(t, []string{"POST /Auth/RegDomain/X"}, fake.Calls())

	var remoteErr *RemoteError
	require.True(t, errors.As(h.session.LastError(), &remoteErr))
	assert.Equal(t, http.StatusInternalServerError, remoteErr.StatusCode)
	assert.Equal(t, callRegisterDomain, remoteErr.Call)

	h.session.GetUserInfo()
	h.session.Login()
	h.session.Wait()

	assert.Equal(t, []string{"POST /Auth/RegDomain/X"}, fake.Calls())
	assert.Empty(t, h.Popups())
	assert.True(t, h.session.AccessToken().IsEmpty())
	assert.Equal(t, []EventKind{EventRegistrationFailed}, h.EventKinds())
}

func TestInit_UnreachableServiceDisablesSession(t *testing.T) {
	_, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)
	srv.Close()

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()

	assert.False(t, h.session.IsInitialized())
	assert.Error(t, h.session.LastError())
}

func TestInit_ReinitAfterFailureRecovers(t *testing.T) {
	fake, srv := newFakeIDService(t)
	fake.set(func(f *fakeIDService) { f.regStatus = http.StatusForbidden })
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()
	require.False(t, h.session.IsInitialized())

	fake.set(func(f *fakeIDService) { f.regStatus = http.StatusOK })
	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()

	assert.True(t, h.session.IsInitialized())
	assert.False(t, h.session.AccessToken().IsEmpty())
}

func TestGetUserInfo_FailureKeepsPreviousToken(t *testing.T) {
	fake, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()
	before := h.session.AccessToken()
	require.False(t, before.IsEmpty())

	fake.set(func(f *fakeIDService) { f.userInfoStatus = http.StatusUnauthorized })
	h.session.GetUserInfo()
	h.session.Wait()

	assert.Equal(t, before, h.session.AccessToken())
	assert.True(t, h.session.IsInitialized())

	var remoteErr *RemoteError
	require.True(t, errors.As(h.session.LastError(), &remoteErr))
	assert.Equal(t, http.StatusUnauthorized, remoteErr.StatusCode)
}

func TestGetUserInfo_NonObjectBodyKeepsPreviousToken(t *testing.T) {
	fake, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()
	before := h.session.AccessToken()

	for _, body := range []string{`"just a string"`, `null`, `not json`, `[1,2]`, `{"a":1} trailing garbage`, `{"a":1}{"b":2}`} {
		fake.set(func(f *fakeIDService) { f.userInfoBody = body })
		h.session.GetUserInfo()
		h.session.Wait()

		assert.Equal(t, before, h.session.AccessToken(), body)
		assert.Error(t, h.session.LastError(), body)
	}
}

func TestInitAfterCloseStartsNothing(t *testing.T) {
	fake, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	require.NoError(t, h.session.Close())

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.GetUserInfo()
	h.session.Logoff()
	h.session.Wait()

	assert.Empty(t, fake.Calls())
}

func TestCloseConcurrentWithInit(t *testing.T) {
	_, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.Init(idpublic.SessionConfig{ClientID: "X"})
		}()
	}

	require.NoError(t, h.session.Close())
	wg.Wait()
	h.session.Wait()
}

func TestDecodeAccessToken(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{name: "object", body: `{"a":1}`},
		{name: "trailing whitespace", body: "{\"a\":1}\n  "},
		{name: "trailing garbage", body: `{"a":1} trailing garbage`, wantErr: errUserInfoTrailingData},
		{name: "second value", body: `{"a":1}{"b":2}`, wantErr: errUserInfoTrailingData},
		{name: "array", body: `[1]`, wantErr: errUserInfoNotObject},
		{name: "null", body: `null`, wantErr: errUserInfoNotObject},
		{name: "string", body: `"s"`, wantErr: errUserInfoNotObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := decodeAccessToken([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, token)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, idpublic.AccessToken{"a": json.Number("1")}, token)
		})
	}
}

func TestJSONKind(t *testing.T) {
	assert.Equal(t, "array", jsonKind([]byte(`[1]`)))
	assert.Equal(t, "null", jsonKind([]byte(`null`)))
	assert.Equal(t, "string", jsonKind([]byte(`"s"`)))
	assert.Equal(t, "number", jsonKind([]byte(`12`)))
	assert.Equal(t, "boolean", jsonKind([]byte(`true`)))
	assert.Equal(t, "object", jsonKind([]byte(`{}`)))
	assert.Equal(t, "invalid", jsonKind([]byte(`nope`)))
}

func TestGetUserInfo_ReplacesTokenWholesale(t *testing.T) {
	fake, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()

	fake.set(func(f *fakeIDService) { f.userInfoBody = `{"other":true}` })
	h.session.GetUserInfo()
	h.session.Wait()

	assert.Equal(t, idpublic.AccessToken{"other": true}, h.session.AccessToken())
}

func TestRequestsCarryPageAndServiceCookies(t *testing.T) {
	fake, srv := newFakeIDService(t)
	fake.set(func(f *fakeIDService) { f.setCookie = "idsid=xyz; Path=/" })
	h := newTestHarness(t, srv)

	pageURL, _ := url.Parse(testPageURL)
	h.page.Jar().SetCookies(pageURL, []*http.Cookie{{Name: "pagecookie", Value: "abc"}})

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()

	regCookies := fake.CookiesFor("POST /Auth/RegDomain/X")
	require.Len(t, regCookies, 1)
	assert.Equal(t, "pagecookie=abc", regCookies[0])

	infoCookies := fake.CookiesFor("GET /Auth/UserInfo/X")
	require.Len(t, infoCookies, 1)
	assert.Contains(t, infoCookies[0], "pagecookie=abc")
	assert.Contains(t, infoCookies[0], "idsid=xyz")
}

func TestLogoff_ClearsTokenAndReloads(t *testing.T) {
	fake, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()
	require.False(t, h.session.AccessToken().IsEmpty())

	h.session.Logoff()
	h.session.Wait()

	assert.Contains(t, fake.Calls(), "GET /Auth/Logout/X")
	assert.True(t, h.session.AccessToken().IsEmpty())
	assert.NotNil(t, h.session.AccessToken())
	assert.Equal(t, 1, h.page.Reloads())
	assert.False(t, h.session.IsInitialized())
	assert.Equal(t, idpublic.SessionConfig{}, h.session.Settings())
	assert.Contains(t, h.EventKinds(), EventLoggedOff)
}

func TestLogoff_WithEmptyTokenStillReloads(t *testing.T) {
	fake, srv := newFakeIDService(t)
	fake.set(func(f *fakeIDService) { f.userInfoStatus = http.StatusNotFound })
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()
	require.True(t, h.session.AccessToken().IsEmpty())

	h.session.Logoff()
	h.session.Wait()

	assert.True(t, h.session.AccessToken().IsEmpty())
	assert.Equal(t, 1, h.page.Reloads())
}

func TestLogoff_FailureIsSwallowed(t *testing.T) {
	fake, srv := newFakeIDService(t)
	fake.set(func(f *fakeIDService) { f.logoutStatus = http.StatusBadGateway })
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()
	before := h.session.AccessToken()

	h.session.Logoff()
	h.session.Wait()

	assert.Equal(t, before, h.session.AccessToken())
	assert.Equal(t, 0, h.page.Reloads())
	assert.True(t, h.session.IsInitialized())
	assert.Contains(t, h.EventKinds(), EventLogoffFailed)
}

func TestLogoff_RunsAfterFailedRegistration(t *testing.T) {
	fake, srv := newFakeIDService(t)
	fake.set(func(f *fakeIDService) { f.regStatus = http.StatusInternalServerError })
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()

	h.session.Logoff()
	h.session.Wait()

	assert.Equal(t, []string{"POST /Auth/RegDomain/X", "GET /Auth/Logout/X"}, fake.Calls())
	assert.Equal(t, 1, h.page.Reloads())
}

func TestEventHookPanicIsRecovered(t *testing.T) {
	_, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	h.session.OnEvent(func(Event) { panic("boom") })

	h.session.Init(idpublic.SessionConfig{ClientID: "X"})
	h.session.Wait()

	assert.False(t, h.session.AccessToken().IsEmpty())
	assert.Equal(t, []EventKind{EventDomainRegistered, EventUserInfoLoaded}, h.EventKinds())
}

func TestClientIDIsPathEscaped(t *testing.T) {
	fake, srv := newFakeIDService(t)
	h := newTestHarness(t, srv)

	h.session.Init(idpublic.SessionConfig{ClientID: "a b"})
	h.session.Wait()

	assert.Equal(t, []string{"POST /Auth/RegDomain/a b", "GET /Auth/UserInfo/a b"}, fake.Calls())
}
