package idsession

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jamesread/idsession/tokenverify"
	"golang.org/x/oauth2"
)

var (
	ErrNoAccessToken         = errors.New("user info does not contain an access token")
	ErrVerifierNotConfigured = errors.New("no JWT verification method configured")
)

func (s *Session) rawAccessToken() (string, error) {
	field := s.Config.Jwt.GetTokenField()

	raw, ok := s.AccessToken().String(field)
	if !ok || raw == "" {
		return "", ErrNoAccessToken
	}

	return raw, nil
}

// OAuth2Token converts the user info into an oauth2.Token. The whole payload
// is available through Token.Extra.
func (s *Session) OAuth2Token() (*oauth2.Token, error) {
	s.mu.Lock()
	payload := s.accessToken.Clone()
	fetchedAt := s.fetchedAt
	s.mu.Unlock()

	raw, ok := payload.String(s.Config.Jwt.GetTokenField())
	if !ok || raw == "" {
		return nil, ErrNoAccessToken
	}

	tok := &oauth2.Token{AccessToken: raw}
	tok.TokenType, _ = payload.String("token_type")
	tok.RefreshToken, _ = payload.String("refresh_token")

	if expiresIn, ok := payload.Int64("expires_in"); ok && expiresIn > 0 {
		tok.Expiry = fetchedAt.Add(time.Duration(expiresIn) * time.Second)
	}

	return tok.WithExtra(map[string]any(payload)), nil
}

// TokenSource returns a source that always yields the current access token.
// It cannot refresh; call GetUserInfo to fetch a new one.
func (s *Session) TokenSource() (oauth2.TokenSource, error) {
	tok, err := s.OAuth2Token()
	if err != nil {
		return nil, err
	}
	return oauth2.StaticTokenSource(tok), nil
}

// HTTPClient returns a client that sends the access token as a bearer token.
func (s *Session) HTTPClient(ctx context.Context) (*http.Client, error) {
	ts, err := s.TokenSource()
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}

// Claims returns the claims of the access token without verifying it.
func (s *Session) Claims() (jwt.MapClaims, error) {
	raw, err := s.rawAccessToken()
	if err != nil {
		return nil, err
	}
	return tokenverify.ParseUnverified(raw)
}

// VerifyAccessToken verifies the access token with the configured JWT settings.
func (s *Session) VerifyAccessToken(ctx context.Context) (jwt.MapClaims, error) {
	if s.verifier == nil {
		return nil, ErrVerifierNotConfigured
	}

	raw, err := s.rawAccessToken()
	if err != nil {
		return nil, err
	}

	return s.verifier.Verify(ctx, raw)
}
