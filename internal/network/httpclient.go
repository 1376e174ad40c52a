// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// Defaults tuned for a scanner hitting a single target with many parallel requests.
const (
	DefaultDialTimeout         = 5 * time.Second
	DefaultKeepAliveInterval   = 15 * time.Second
	DefaultTLSHandshakeTimeout = 5 * time.Second
	DefaultRequestTimeout      = 30 * time.Second
	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 20
	DefaultMaxConnsPerHost     = 50
	DefaultIdleConnTimeout     = 30 * time.Second
)

// ClientConfig holds the configuration for the HTTP client and transport layers.
type ClientConfig struct {
	IgnoreTLSErrors bool
	TLSConfig       *tls.Config

	// RequestTimeout bounds a whole request including the body read. Config
	// validation keeps it above the longest timing trial.
	RequestTimeout      time.Duration
	TLSHandshakeTimeout time.Duration
	DialTimeout         time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	ForceHTTP2 bool
	ProxyURL   *url.URL
	Logger     *zap.Logger
}

// NewDefaultClientConfig creates a configuration suited to general scanning.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:      DefaultRequestTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		DialTimeout:         DefaultDialTimeout,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:     DefaultMaxConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		ForceHTTP2:          true,
		Logger:              observability.GetLogger().Named("httpclient"),
	}
}

// ClientConfigFrom maps the network section of the application config onto a ClientConfig.
func ClientConfigFrom(cfg config.NetworkConfig, logger *zap.Logger) (*ClientConfig, error) {
	cc := NewDefaultClientConfig()
	cc.Logger = observability.OrNop(logger).Named("httpclient")
	cc.IgnoreTLSErrors = cfg.IgnoreTLSErrors
	if cfg.Timeout > 0 {
		cc.RequestTimeout = cfg.Timeout
	}
	if cfg.MaxConnsPerHost > 0 {
		cc.MaxConnsPerHost = cfg.MaxConnsPerHost
		if cc.MaxIdleConnsPerHost > cfg.MaxConnsPerHost {
			cc.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
		}
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q", cfg.Proxy)
		}
		cc.ProxyURL = u
	}
	return cc, nil
}

// NewHTTPTransport creates an http.Transport from cfg.
func NewHTTPTransport(cfg *ClientConfig) *http.Transport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	logger := observability.OrNop(cfg.Logger)

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: DefaultKeepAliveInterval}
	tlsConfig := configureTLS(cfg)

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		// Bodies are decoded by the Transport wrapper so br is covered as well.
		DisableCompression: true,
		ForceAttemptHTTP2:  cfg.ForceHTTP2,
	}
	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	}

	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{"http/1.1"}
	}
	return transport
}

// NewClient builds an http.Client that never follows redirects; detectors
// need to see the 3xx responses themselves.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	return &http.Client{
		Transport: NewHTTPTransport(cfg),
		Timeout:   cfg.RequestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func configureTLS(cfg *ClientConfig) *tls.Config {
	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(512),
		}
	}
	tlsConfig.InsecureSkipVerify = cfg.IgnoreTLSErrors
	return tlsConfig
}
