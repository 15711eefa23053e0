package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	referencePrefix = "secret://"
	latestVersion   = "latest"
)

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Google Secret Manager and caches the values for the process lifetime.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

type fetcherConfig struct {
	logger     *zap.Logger
	projectID  string
	client     secretManagerClient
	clientOpts []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithDefaultProject sets the project used for short references such as secret://jwt-secret.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectID = strings.TrimSpace(projectID)
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. The Secret Manager client is only dialled when none is injected.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	f := &Fetcher{
		client:    cfg.client,
		projectID: cfg.projectID,
		logger:    cfg.logger,
		cache:     make(map[string]string),
	}
	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
		}
		f.client = client
		f.ownsClient = true
	}
	return f, nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, err := f.resourceName(ref)
	if err != nil {
		return "", err
	}

	f.mu.RLock()
	value, ok := f.cache[name]
	f.mu.RUnlock()
	if ok {
		return value, nil
	}

	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}
	if resp == nil || resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", name)
	}
	value = strings.TrimSpace(string(resp.GetPayload().GetData()))

	f.mu.Lock()
	f.cache[name] = value
	f.mu.Unlock()
	f.logger.Debug("secrets: resolved", zap.String("secret", name))
	return value, nil
}

// Close releases the client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// resourceName accepts secret://projects/p/secrets/s[/versions/v] and the short form secret://s[@v].
func (f *Fetcher) resourceName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if !strings.HasPrefix(trimmed, referencePrefix) {
		return "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	body := strings.Trim(strings.TrimPrefix(trimmed, referencePrefix), "/")
	if body == "" {
		return "", errors.New("secrets: empty reference")
	}

	if strings.HasPrefix(body, "projects/") {
		parts := strings.Split(body, "/")
		switch {
		case len(parts) == 4 && parts[2] == "secrets":
			return body + "/versions/" + latestVersion, nil
		case len(parts) == 6 && parts[2] == "secrets" && parts[4] == "versions":
			return body, nil
		default:
			return "", fmt.Errorf("secrets: malformed reference %q", ref)
		}
	}

	if f.projectID == "" {
		return "", fmt.Errorf("secrets: no project configured for %q", ref)
	}
	name, version := body, latestVersion
	if idx := strings.LastIndex(body, "@"); idx > 0 {
		name, version = body[:idx], body[idx+1:]
	}
	if strings.Contains(name, "/") || version == "" {
		return "", fmt.Errorf("secrets: malformed reference %q", ref)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", f.projectID, name, version), nil
}
