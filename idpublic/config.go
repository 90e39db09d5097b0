package idpublic

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// DefaultHost is the origin of the hosted identity service.
const DefaultHost = "https://authservice-ua-es.azurewebsites.net/"

type Config struct {
	// Host is the base URL of the identity service. Defaults to DefaultHost.
	Host string `yaml:"host"`

	// TimeoutSeconds bounds every request made to Host. Defaults to 30.
	TimeoutSeconds int `yaml:"timeoutSeconds"`

	// Session is handed to Session.Init by callers that load everything from one file.
	Session SessionConfig `yaml:"session"`

	// BaseDir is the directory used for the cookie file.
	// If not set, defaults to the value of IDSESSION_HOME or ~/.config/idsession/
	BaseDir string `yaml:"baseDir"`

	// CookieFileName is the name of the file holding persistent cookies.
	// Defaults to "cookies.yaml" if not set
	CookieFileName string `yaml:"cookieFileName"`

	// PersistCookies keeps cookies with an expiry across program runs.
	PersistCookies bool `yaml:"persistCookies"`

	// InsecureAllowDumpUserInfo logs the user info payload at debug level.
	InsecureAllowDumpUserInfo bool `yaml:"insecureAllowDumpUserInfo"`

	Jwt JwtConfig `yaml:"jwt"`
}

// SessionConfig is what a page passes when it initializes the helper.
type SessionConfig struct {
	ClientID    string `yaml:"clientid"`
	Cookie      bool   `yaml:"cookie"`
	RedirectURL string `yaml:"redirect_url"`
}

// JwtConfig contains settings for verifying the access token returned in the user info.
type JwtConfig struct {
	// CertsURL is the URL for JWKS (JSON Web Key Set) endpoint
	CertsURL string `yaml:"certsUrl"`

	// PubKeyPath is the path to a local RSA public key file
	PubKeyPath string `yaml:"pubKeyPath"`

	// HmacSecret is the HMAC secret for JWT verification
	HmacSecret string `yaml:"hmacSecret"`

	// Aud is the expected audience claim
	Aud string `yaml:"aud"`

	// Issuer is the expected issuer claim
	Issuer string `yaml:"issuer"`

	// TokenField is the user info key holding the token. Defaults to "access_token".
	TokenField string `yaml:"tokenField"`
}

// Configured reports whether any verification method is set.
func (j JwtConfig) Configured() bool {
	return j.CertsURL != "" || j.PubKeyPath != "" || j.HmacSecret != ""
}

// GetTokenField returns the user info key holding the token, with default fallback
func (j JwtConfig) GetTokenField() string {
	if j.TokenField != "" {
		return j.TokenField
	}
	return "access_token"
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// GetHost returns the service base URL, always ending in a slash.
func (c *Config) GetHost() string {
	host := DefaultHost
	if c != nil && c.Host != "" {
		host = c.Host
	}

	if !strings.HasSuffix(host, "/") {
		host += "/"
	}

	return host
}

// GetTimeout returns the per-request timeout, with default fallback
func (c *Config) GetTimeout() time.Duration {
	if c == nil || c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GetDir returns the base directory for the cookie file.
// Priority: 1) BaseDir config field, 2) IDSESSION_HOME env var, 3) ~/.config/idsession/
func (c *Config) GetDir() string {
	if c != nil && c.BaseDir != "" {
		return c.BaseDir
	}

	if dir := os.Getenv("IDSESSION_HOME"); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "idsession")
}

// GetCookieFileName returns the cookie file name, with default fallback
func (c *Config) GetCookieFileName() string {
	if c != nil && c.CookieFileName != "" {
		return c.CookieFileName
	}
	return "cookies.yaml"
}
