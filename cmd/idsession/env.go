package main

import (
	"fmt"
	"io"

	"github.com/goccy/go-yaml"
	"github.com/jamesread/idsession"
	"github.com/jamesread/idsession/browser"
	"github.com/jamesread/idsession/cookiestore"
	"github.com/jamesread/idsession/idpublic"
	log "github.com/sirupsen/logrus"
)

const defaultPageURL = "http://localhost/"

// rootEnv holds the persistent flags shared by every command.
type rootEnv struct {
	configPath  string
	logLevel    string
	clientID    string
	redirectURL string
	cookie      bool
	pageURL     string
}

// sessionEnv is everything a command needs to talk to the identity service.
type sessionEnv struct {
	cfg     *idpublic.Config
	jar     *cookiestore.Jar
	page    *browser.Headless
	session *idsession.Session
}

func (e *rootEnv) loadConfig() (*idpublic.Config, error) {
	cfg := &idpublic.Config{}

	if e.configPath != "" {
		loaded, err := idpublic.LoadConfig(e.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Flags win over the file, but only when given.
	if e.clientID != "" {
		cfg.Session.ClientID = e.clientID
	}
	if e.redirectURL != "" {
		cfg.Session.RedirectURL = e.redirectURL
	}
	if e.cookie {
		cfg.Session.Cookie = true
	}

	return cfg, nil
}

func (e *rootEnv) newJar(cfg *idpublic.Config) (*cookiestore.Jar, error) {
	if !cfg.PersistCookies {
		return cookiestore.NewMemory(), nil
	}

	jar, err := cookiestore.New(cfg.GetDir(), cfg.GetCookieFileName())
	if err != nil {
		return nil, err
	}

	if err := jar.Load(); err != nil {
		return nil, err
	}

	return jar, nil
}

// open builds the session and runs Init, waiting for the registration chain.
func (e *rootEnv) open() (*sessionEnv, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}

	jar, err := e.newJar(cfg)
	if err != nil {
		return nil, err
	}

	page, err := browser.NewHeadless(e.pageURL, jar)
	if err != nil {
		jar.Shutdown()
		return nil, err
	}

	session, err := idsession.New(cfg, page)
	if err != nil {
		jar.Shutdown()
		return nil, err
	}

	session.OnEvent(func(ev idsession.Event) {
		log.WithFields(log.Fields{
			"event": ev.Kind,
			"url":   ev.URL,
		}).Debug("Session event")
	})

	session.Init(cfg.Session)
	session.Wait()

	if !session.IsInitialized() {
		err := session.LastError()
		session.Close()
		jar.Shutdown()
		return nil, fmt.Errorf("could not register %s with the identity service: %w", page.Host(), err)
	}

	return &sessionEnv{
		cfg:     cfg,
		jar:     jar,
		page:    page,
		session: session,
	}, nil
}

// close shuts the session down before the jar, so late Set-Cookie headers
// still make it into the final save.
func (s *sessionEnv) close() {
	if err := s.session.Close(); err != nil {
		log.WithError(err).Warn("Failed to close session")
	}

	if err := s.jar.Shutdown(); err != nil {
		log.WithError(err).Warn("Failed to save cookies")
	}
}

func printYAML(w io.Writer, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}

	_, err = w.Write(out)
	return err
}
