package utils

import (
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type HTTPClientConfig struct {
	Timeout       time.Duration     `yaml:"timeout"`
	KATimeout     time.Duration     `yaml:"keep_alive_timeout"`
	ProxyURL      string            `yaml:"proxy"`
	ProxyUsername string            `yaml:"proxy_username"`
	ProxyPassword string            `yaml:"proxy_password"`
	UserAgent     string            `yaml:"user_agent"`
	Headers       map[string]string `yaml:"headers"`
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HLSHTTPClient applies the configured user agent and headers to every request.
// Per-request deadlines come from the request context, so the client itself
// only carries a generous overall timeout.
type HLSHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHLSHTTPClient(cfg HTTPClientConfig) *HLSHTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		DisableCompression:  true,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}
	return &HLSHTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		config: cfg,
	}
}

func (c *HLSHTTPClient) Do(req *http.Request) (*http.Response, error) {
	switch c.config.UserAgent {
	case "":
		req.Header.Set("User-Agent", ToolUserAgent)
	case "randomize":
		req.Header.Set("User-Agent", GetRandomUserAgent())
	default:
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}
