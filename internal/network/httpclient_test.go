// internal/network/httpclient_test.go
package network

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
)

func TestNewDefaultClientConfig(t *testing.T) {
	cfg := NewDefaultClientConfig()
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultMaxIdleConns, cfg.MaxIdleConns)
	assert.Equal(t, DefaultMaxIdleConnsPerHost, cfg.MaxIdleConnsPerHost)
	assert.True(t, cfg.ForceHTTP2, "HTTP/2 should be preferred by default")
	assert.NotNil(t, cfg.Logger)
}

func TestClientConfigFrom(t *testing.T) {
	t.Run("maps network section", func(t *testing.T) {
		cc, err := ClientConfigFrom(config.NetworkConfig{
			Timeout:         12 * time.Second,
			IgnoreTLSErrors: true,
			MaxConnsPerHost: 4,
			Proxy:           "http://127.0.0.1:8080",
		}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 12*time.Second, cc.RequestTimeout)
		assert.True(t, cc.IgnoreTLSErrors)
		assert.Equal(t, 4, cc.MaxConnsPerHost)
		assert.Equal(t, 4, cc.MaxIdleConnsPerHost, "idle pool never exceeds the connection cap")
		require.NotNil(t, cc.ProxyURL)
		assert.Equal(t, "127.0.0.1:8080", cc.ProxyURL.Host)
	})

	t.Run("rejects bad proxy", func(t *testing.T) {
		_, err := ClientConfigFrom(config.NetworkConfig{Proxy: "not a url"}, nil)
		assert.Error(t, err)
	})
}

func TestConfigureTLS(t *testing.T) {
	cfg := NewDefaultClientConfig()
	tlsConfig := configureTLS(cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsConfig.MinVersion)
	assert.False(t, tlsConfig.InsecureSkipVerify)
	assert.NotNil(t, tlsConfig.ClientSessionCache)

	custom := &tls.Config{ServerName: "example.test"}
	cfg.TLSConfig = custom
	cfg.IgnoreTLSErrors = true
	cloned := configureTLS(cfg)
	assert.NotSame(t, custom, cloned)
	assert.Equal(t, "example.test", cloned.ServerName)
	assert.True(t, cloned.InsecureSkipVerify)
	assert.False(t, custom.InsecureSkipVerify, "caller's config must not be modified")
}

func TestNewClientDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := NewDefaultClientConfig()
	cfg.ForceHTTP2 = false
	client := NewClient(cfg)
	resp, err := client.Get(srv.URL + "/start")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/end", resp.Header.Get("Location"))
}
