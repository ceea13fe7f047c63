package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/flanksource/clicky/task"
	commonshttp "github.com/flanksource/commons/http"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/utils"
)

// ClientOption configures the HTTP client
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout      time.Duration
	headerLevel  logger.LogLevel
	bodyLevel    logger.LogLevel
	enableLogger bool
	task         *task.Task
	maxRedirects int
}

// WithTimeout sets the request timeout. Zero leaves requests bounded only by their context.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithHttpLogging enables HTTP logging with specified levels
func WithHttpLogging(headerLevel, bodyLevel logger.LogLevel) ClientOption {
	return func(c *clientConfig) {
		c.headerLevel = headerLevel
		c.bodyLevel = bodyLevel
		c.enableLogger = true
	}
}

// WithRedirectLog reports each redirect hop on the task
func WithRedirectLog(t *task.Task) ClientOption {
	return func(c *clientConfig) {
		c.task = t
	}
}

// GetHttpClient returns a client built on flanksource/commons/http so that
// every outbound request shares the same logging middleware.
func GetHttpClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:      30 * time.Second,
		headerLevel:  logger.Trace1,
		bodyLevel:    logger.Trace2,
		enableLogger: logger.IsTraceEnabled(),
		maxRedirects: 10,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	client := commonshttp.NewClient()
	if cfg.timeout > 0 {
		client = client.Timeout(cfg.timeout)
	}

	if cfg.enableLogger {
		client = client.WithHttpLogging(cfg.headerLevel, cfg.bodyLevel)
	}

	return &http.Client{
		Transport: client,
		Timeout:   cfg.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.maxRedirects {
				return fmt.Errorf("too many redirects (limit: %d)", cfg.maxRedirects)
			}
			if cfg.task != nil && len(via) > 0 {
				cfg.task.V(4).Infof("Redirect: %s → %s", utils.ShortenURL(via[len(via)-1].URL.String()), utils.ShortenURL(req.URL.String()))
			}
			return nil
		},
	}
}
