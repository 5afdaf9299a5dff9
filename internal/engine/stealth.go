package engine

import (
	"log/slog"

	stealth "github.com/anatolykoptev/go-stealth"
	"github.com/anatolykoptev/go-stealth/proxypool"
)

// Re-export stealth types for engine consumers.
type BrowserClient = stealth.BrowserClient

// NewBrowserClient returns a Chrome-fingerprinted HTTP client used for CDN downloads
// that reject plain Go clients. A non-empty webshareKey routes it through a proxy pool;
// a pool that fails to load is logged and skipped.
func NewBrowserClient(timeoutSeconds int, webshareKey string) (*BrowserClient, error) {
	opts := []stealth.ClientOption{stealth.WithTimeout(timeoutSeconds)}
	if webshareKey != "" {
		pool, err := proxypool.NewWebshare(webshareKey)
		if err != nil {
			slog.Warn("proxy pool init failed, running without proxy", slog.Any("error", err))
		} else {
			opts = append(opts, stealth.WithProxyPool(pool))
			slog.Info("proxy pool initialized", slog.Int("proxies", pool.Len()))
		}
	}
	return stealth.NewClient(opts...)
}

func ChromeHeaders() map[string]string { return stealth.ChromeHeaders() }
func RandomUserAgent() string          { return stealth.RandomUserAgent() }
