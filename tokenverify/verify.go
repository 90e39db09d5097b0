// Package tokenverify checks the signature and claims of the JWT access token
// handed back by the identity service.
package tokenverify

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jamesread/idsession/idpublic"
	log "github.com/sirupsen/logrus"
)

// ErrNotConfigured is returned when no verification method is configured.
var ErrNotConfigured = errors.New("no JWT verification method configured")

type Verifier struct {
	cfg idpublic.JwtConfig

	// For remote JWKS
	jwksVerifier keyfunc.Keyfunc
	jwksInitErr  error
	jwksInitMu   sync.Mutex // Allows retry on failure

	// For local public key
	pubKey        *rsa.PublicKey
	loadedKeyPath string
	localKeyMu    sync.Mutex
}

// New validates cfg and returns a Verifier. Keys are loaded lazily on first use.
func New(cfg idpublic.JwtConfig) (*Verifier, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}

	return &Verifier{cfg: cfg}, nil
}

// ValidateConfig rejects settings that name more than one key source.
func ValidateConfig(cfg idpublic.JwtConfig) error {
	if cfg.CertsURL != "" && cfg.PubKeyPath != "" {
		return fmt.Errorf("JWT configuration error: cannot specify both certsURL and pubKeyPath")
	}
	return nil
}

// Method describes the verification method for logs.
func (v *Verifier) Method() string {
	if v.cfg.CertsURL != "" {
		return fmt.Sprintf("JWKS (URL: %s)", v.cfg.CertsURL)
	}
	if v.cfg.PubKeyPath != "" {
		return fmt.Sprintf("local key (path: %s)", v.cfg.PubKeyPath)
	}
	return "HMAC"
}

func (v *Verifier) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(5 * time.Second),
	}
	if v.cfg.Aud != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Aud))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	return opts
}

// Verify parses token and returns its claims when the signature and the
// registered claims are valid.
func (v *Verifier) Verify(ctx context.Context, token string) (jwt.MapClaims, error) {
	parsed, err := v.parse(ctx, token)
	if err != nil {
		log.WithFields(log.Fields{
			"method": v.Method(),
			"error":  err,
		}).Warn("Access token verification failed")
		return nil, fmt.Errorf("jwt parse failure using %s: %w", v.Method(), err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("jwt token validation failed: token.Valid=%v, claims type=%T", parsed.Valid, parsed.Claims)
	}

	return claims, nil
}

func (v *Verifier) parse(ctx context.Context, token string) (*jwt.Token, error) {
	switch {
	case v.cfg.CertsURL != "":
		return v.parseWithRemoteKey(ctx, token)
	case v.cfg.PubKeyPath != "":
		return v.parseWithLocalKey(token)
	default:
		return v.parseWithHMAC(token)
	}
}

func (v *Verifier) parseWithRemoteKey(ctx context.Context, token string) (*jwt.Token, error) {
	kf, err := v.initJwks(ctx)
	if err != nil {
		return nil, err
	}

	return jwt.Parse(token, kf.Keyfunc, v.parserOptions()...)
}

// initJwks creates the JWKS keyfunc once; a failed attempt is retried on the next call.
func (v *Verifier) initJwks(reqCtx context.Context) (keyfunc.Keyfunc, error) {
	v.jwksInitMu.Lock()
	defer v.jwksInitMu.Unlock()

	if v.jwksVerifier != nil {
		return v.jwksVerifier, nil
	}

	if v.jwksInitErr != nil {
		log.WithFields(log.Fields{
			"certsURL": v.cfg.CertsURL,
			"error":    v.jwksInitErr,
		}).Debug("Retrying JWKS initialization after previous failure")
	}

	ctx, cancel := context.WithTimeout(reqCtx, 30*time.Second)
	defer cancel()

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{v.cfg.CertsURL})
	if err != nil {
		v.jwksInitErr = err
		log.WithFields(log.Fields{
			"certsURL": v.cfg.CertsURL,
			"error":    err,
		}).Error("Init JWKS failure (will retry on next verification)")
		return nil, err
	}

	v.jwksVerifier = kf
	v.jwksInitErr = nil

	log.WithFields(log.Fields{
		"certsURL": v.cfg.CertsURL,
	}).Debug("JWKS initialized successfully")

	return kf, nil
}

func (v *Verifier) loadPublicKey() (*rsa.PublicKey, error) {
	v.localKeyMu.Lock()
	defer v.localKeyMu.Unlock()

	if v.pubKey != nil && v.loadedKeyPath == v.cfg.PubKeyPath {
		return v.pubKey, nil
	}

	keyBytes, err := os.ReadFile(v.cfg.PubKeyPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't read public key from file %s: %w", v.cfg.PubKeyPath, err)
	}

	parsedKey, err := jwt.ParseRSAPublicKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("error parsing public key object (from %s): %w", v.cfg.PubKeyPath, err)
	}

	v.pubKey = parsedKey
	v.loadedKeyPath = v.cfg.PubKeyPath

	log.WithFields(log.Fields{
		"keyPath": v.cfg.PubKeyPath,
	}).Debug("JWT public key loaded from file")

	return parsedKey, nil
}

func (v *Verifier) parseWithLocalKey(token string) (*jwt.Token, error) {
	key, err := v.loadPublicKey()
	if err != nil {
		return nil, err
	}

	return jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("expected token algorithm RSA but got: %v", t.Header["alg"])
		}
		return key, nil
	}, v.parserOptions()...)
}

// Hash-based Message Authentication Code
func (v *Verifier) parseWithHMAC(token string) (*jwt.Token, error) {
	return jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("expected token algorithm HMAC but got: %v", t.Header["alg"])
		}
		return []byte(v.cfg.HmacSecret), nil
	}, v.parserOptions()...)
}

// Close releases the JWKS keyfunc when it holds resources.
func (v *Verifier) Close() error {
	v.jwksInitMu.Lock()
	defer v.jwksInitMu.Unlock()

	if v.jwksVerifier == nil {
		return nil
	}

	var err error
	if closer, ok := v.jwksVerifier.(io.Closer); ok {
		err = closer.Close()
	}
	v.jwksVerifier = nil
	return err
}

// ParseUnverified returns the claims of token without checking its signature.
func ParseUnverified(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}
