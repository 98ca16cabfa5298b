package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sanonone/graphwire/pkg/errs"
)

// Options configures a Session. Zero values are replaced by DefaultOptions.
type Options struct {
	// HandshakeTimeout bounds the websocket upgrade and version negotiation.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single frame write when the caller's context has
	// no earlier deadline.
	WriteTimeout time.Duration

	// KeepAliveInterval is the ping period. The connection is considered dead
	// when nothing arrives for KeepAliveInterval + PongTimeout. Negative
	// disables keep-alive.
	KeepAliveInterval time.Duration
	PongTimeout       time.Duration

	// ExpireInterval is how often pending requests are checked against their
	// deadlines.
	ExpireInterval time.Duration

	// MaxReconnects is the number of reconnect attempts after an unexpected
	// disconnect. Negative disables reconnecting.
	MaxReconnects      int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// ReconnectJitter randomizes each delay by +/- this fraction.
	ReconnectJitter float64

	// TLSConfig is used for wss endpoints.
	TLSConfig *tls.Config
	// Header is sent with the upgrade request.
	Header http.Header

	// Username and Password answer SASL PLAIN challenges (status 407).
	Username string
	Password string

	// OnStateChange is called after every state transition. It must not block.
	OnStateChange func(State)

	Logger *slog.Logger
}

// Default values for Options.
const (
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultKeepAliveInterval  = 30 * time.Second
	DefaultPongTimeout        = 10 * time.Second
	DefaultExpireInterval     = 100 * time.Millisecond
	DefaultMaxReconnects      = 5
	DefaultReconnectBaseDelay = 250 * time.Millisecond
	DefaultReconnectMaxDelay  = 10 * time.Second
	DefaultReconnectJitter    = 0.2
)

// DefaultOptions returns the settings used for zero fields.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:   DefaultHandshakeTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		KeepAliveInterval:  DefaultKeepAliveInterval,
		PongTimeout:        DefaultPongTimeout,
		ExpireInterval:     DefaultExpireInterval,
		MaxReconnects:      DefaultMaxReconnects,
		ReconnectBaseDelay: DefaultReconnectBaseDelay,
		ReconnectMaxDelay:  DefaultReconnectMaxDelay,
		ReconnectJitter:    DefaultReconnectJitter,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.PongTimeout == 0 {
		o.PongTimeout = d.PongTimeout
	}
	if o.ExpireInterval <= 0 {
		o.ExpireInterval = d.ExpireInterval
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = d.MaxReconnects
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if o.ReconnectJitter <= 0 {
		o.ReconnectJitter = d.ReconnectJitter
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ParseEndpoint validates a ws:// or wss:// endpoint URL.
func ParseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.Wrap(errs.Address, fmt.Sprintf("parse endpoint %q", raw), err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errs.Newf(errs.Address, "endpoint %q: scheme must be ws or wss", raw)
	}
	if u.Hostname() == "" {
		return nil, errs.Newf(errs.Address, "endpoint %q: missing host", raw)
	}
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err != nil || port < 1 || port > 65535 {
			return nil, errs.Newf(errs.Address, "endpoint %q: invalid port", raw)
		}
	}
	return u, nil
}
