package idsession

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jamesread/golure/pkg/redact"
	"github.com/jamesread/idsession/idpublic"
	log "github.com/sirupsen/logrus"
)

const (
	callRegisterDomain = "register domain"
	callUserInfo       = "user info"
	callLogout         = "logout"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 1 << 20

func (s *Session) endpoint(path string) string {
	return s.Config.GetHost() + path
}

// newCredentialedRequest builds a request that carries the page's cookie
// string explicitly; the client's jar adds the service's own cookies on top.
func (s *Session) newCredentialedRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(s.ctx, method, s.endpoint(path), body)
	if err != nil {
		return nil, err
	}

	if cookie := s.Browser.Cookie(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}

	req.Header.Set("Accept", "application/json, */*")

	return req, nil
}

// call performs one request against the service and returns the response
// body when the status is 2xx.
func (s *Session) call(name, method, path string, body io.Reader) ([]byte, error) {
	req, err := s.newCredentialedRequest(method, path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	log.WithFields(log.Fields{
		"call":   name,
		"method": method,
		"url":    req.URL.String(),
		"cookie": redact.RedactString(req.Header.Get("Cookie")),
	}).Debug("Calling identity service")

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer res.Body.Close()

	contents, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", name, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &RemoteError{
			Call:       name,
			Method:     method,
			URL:        req.URL.String(),
			StatusCode: res.StatusCode,
		}
	}

	return contents, nil
}

var (
	errUserInfoNotObject    = errors.New("user info is not a JSON object")
	errUserInfoTrailingData = errors.New("user info has data after the JSON value")
)

// decodeAccessToken decodes a user info body without reshaping it. Numbers
// are kept as json.Number so they round-trip exactly. The body must hold a
// single JSON object and nothing else.
func decodeAccessToken(body []byte) (idpublic.AccessToken, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var token idpublic.AccessToken
	if err := dec.Decode(&token); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, notObject(body)
		}
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, errUserInfoTrailingData
	}

	if token == nil {
		return nil, notObject(body)
	}

	return token, nil
}

func notObject(body []byte) error {
	log.WithFields(log.Fields{
		"type": jsonKind(body),
	}).Warn("User info is valid JSON but not an object, keeping previous token")

	return errUserInfoNotObject
}

// jsonKind names the type of the first JSON value in body.
func jsonKind(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "invalid"
	}

	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
