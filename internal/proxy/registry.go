package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "proxy:"

// Config holds the routing table settings shared with the reverse proxy
type Config struct {
	// Domain apps are served under, e.g. demo.makex.app and api-demo.makex.app
	Domain string `yaml:"domain"`

	// Page served for apps whose sandbox is paused or deleted
	NotFoundURL string `yaml:"not_found_url"`
}

// DefaultConfig returns default proxy configuration
func DefaultConfig() Config {
	return Config{
		Domain:      "makex.app",
		NotFoundURL: "https://makex.app/app-not-found",
	}
}

// Recorder observes routing table writes
type Recorder interface {
	RecordProxyWrite(kind string, err error)
}

// Registry writes hostname to target URL entries read by the external reverse proxy
type Registry struct {
	client   redis.Cmdable
	config   Config
	logger   *zap.Logger
	recorder Recorder
}

// NewRegistry creates a registry on an injected pooled client
func NewRegistry(client redis.Cmdable, config Config, logger *zap.Logger) *Registry {
	if config.Domain == "" {
		config.Domain = DefaultConfig().Domain
	}
	if config.NotFoundURL == "" {
		config.NotFoundURL = DefaultConfig().NotFoundURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{client: client, config: config, logger: logger}
}

// SetRecorder attaches a metrics recorder
func (r *Registry) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// AppHostname returns the public hostname of an app
func (r *Registry) AppHostname(appName string) string {
	return appName + "." + r.config.Domain
}

// APIHostname returns the public hostname of an app's API
func (r *Registry) APIHostname(appName string) string {
	return "api-" + appName + "." + r.config.Domain
}

// PublicURLs returns the public app and API URLs stored on the app record
func (r *Registry) PublicURLs(appName string) (appURL, apiURL string) {
	return "https://" + r.AppHostname(appName), "https://" + r.APIHostname(appName)
}

// Key returns the Redis key for a hostname
func Key(hostname string) string {
	return keyPrefix + hostname
}

// SetURLs routes the app and API hostnames to the sandbox hosts in one transaction
func (r *Registry) SetURLs(ctx context.Context, appName, appHost, apiHost string) error {
	if appName == "" {
		return errors.New("proxy: app name is required")
	}
	err := r.write(ctx, appName, targetURL(appHost), targetURL(apiHost))
	r.record("set", err)
	if err != nil {
		return err
	}
	r.logger.Info("proxy routes updated",
		zap.String("app_name", appName),
		zap.String("app_host", appHost),
		zap.String("api_host", apiHost),
	)
	return nil
}

// SetNotFound routes both hostnames to the not-found page
func (r *Registry) SetNotFound(ctx context.Context, appName string) error {
	if appName == "" {
		return errors.New("proxy: app name is required")
	}
	err := r.write(ctx, appName, r.config.NotFoundURL, r.config.NotFoundURL)
	r.record("not_found", err)
	if err != nil {
		return err
	}
	r.logger.Info("proxy routes parked", zap.String("app_name", appName))
	return nil
}

// Lookup returns the target of a hostname, or "" when unrouted
func (r *Registry) Lookup(ctx context.Context, hostname string) (string, error) {
	target, err := r.client.Get(ctx, Key(hostname)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to read proxy entry: %w", err)
	}
	return target, nil
}

func (r *Registry) write(ctx context.Context, appName, appTarget, apiTarget string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(r.AppHostname(appName)), appTarget, 0)
		pipe.Set(ctx, Key(r.APIHostname(appName)), apiTarget, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write proxy entries for %s: %w", appName, err)
	}
	return nil
}

func (r *Registry) record(kind string, err error) {
	if r.recorder != nil {
		r.recorder.RecordProxyWrite(kind, err)
	}
}

// targetURL prefixes bare hosts with https
func targetURL(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}
