package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// State is the connection session state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotConnected   = errors.New("gateway not connected")
	ErrRequestTimeout = errors.New("gateway request timed out")
	ErrConnectionLost = errors.New("gateway connection lost")
	ErrClosed         = errors.New("gateway client closed")
	ErrInvalidURL     = errors.New("gateway url must use ws or wss")
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultTickInterval   = 15 * time.Second
	DefaultSessionKey     = "main"
	DefaultClientID       = "parley"
)

// Config identifies one connection target. A Connect call with a new
// Config supersedes the previous one, including any scheduled reconnect.
type Config struct {
	URL         string
	Token       string
	SessionKey  string
	ClientID    string
	Version     string
	Platform    string
	DisplayName string
	Role        string
	Scopes      []string
}

// NormalizeURL validates a gateway URL, rewriting http(s) to ws(s).
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}

func (c Config) normalized() (Config, error) {
	u, err := NormalizeURL(c.URL)
	if err != nil {
		return c, err
	}
	c.URL = u
	if c.SessionKey == "" {
		c.SessionKey = DefaultSessionKey
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Platform == "" {
		c.Platform = "go"
	}
	if c.Role == "" {
		c.Role = "operator"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"operator.read", "operator.write"}
	}
	return c, nil
}
