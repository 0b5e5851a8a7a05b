// Package secrets resolves credentials from the environment or AWS Secrets
// Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
)

// ErrNotFound is returned when a backend has no value for a key.
var ErrNotFound = errors.New("secret not found")

const (
	BackendEnv = "env"
	BackendAWS = "aws-secrets-manager"
)

// Manager looks up a secret by key.
type Manager interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// Config holds secrets manager configuration
type Config struct {
	Backend  string
	Region   string
	Prefix   string // prepended to keys for AWS lookups, e.g. "partnerhub/prod/"
	Endpoint string // overrides the AWS endpoint, used by tests
	CacheTTL time.Duration

	// static credentials; empty uses the default provider chain
	AccessKeyID     string
	SecretAccessKey string
}

// ConfigFromEnv reads SECRETS_* settings. AWS is chosen when
// SECRETS_BACKEND says so or AWS_SECRETS_MANAGER_ENABLED is true.
func ConfigFromEnv() Config {
	cfg := Config{
		Backend:  os.Getenv("SECRETS_BACKEND"),
		Region:   os.Getenv("AWS_REGION"),
		Prefix:   os.Getenv("SECRETS_PREFIX"),
		CacheTTL: 5 * time.Minute,
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendEnv
		if enabled, _ := strconv.ParseBool(os.Getenv("AWS_SECRETS_MANAGER_ENABLED")); enabled {
			cfg.Backend = BackendAWS
		}
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg
}

// NewManager creates the manager for cfg.Backend, wrapped in a TTL cache.
func NewManager(cfg Config) (Manager, error) {
	var m Manager
	switch cfg.Backend {
	case BackendAWS, "aws":
		log.Printf("🔐 Using AWS Secrets Manager (region: %s)", cfg.Region)
		am, err := NewAWSManager(cfg)
		if err != nil {
			return nil, err
		}
		m = am
	case BackendEnv, "environment", "":
		m = EnvManager{}
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %s", cfg.Backend)
	}
	if cfg.CacheTTL <= 0 {
		return m, nil
	}
	return newCached(m, cfg.CacheTTL), nil
}

// EnvManager reads secrets from environment variables.
type EnvManager struct{}

// GetSecret returns the environment value of key.
func (EnvManager) GetSecret(_ context.Context, key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// AWSManager reads plain-string secrets from AWS Secrets Manager.
type AWSManager struct {
	client *secretsmanager.SecretsManager
	prefix string
}

// NewAWSManager creates a Secrets Manager client for cfg.Region.
func NewAWSManager(cfg Config) (*AWSManager, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &AWSManager{client: secretsmanager.New(sess), prefix: cfg.Prefix}, nil
}

// GetSecret fetches prefix+key.
func (m *AWSManager) GetSecret(ctx context.Context, key string) (string, error) {
	out, err := m.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(m.prefix + key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", key)
	}
	return *out.SecretString, nil
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// cached memoises successful lookups for ttl.
type cached struct {
	next Manager
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newCached(next Manager, ttl time.Duration) *cached {
	return &cached{next: next, ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

func (c *cached) GetSecret(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.value, nil
	}

	v, err := c.next.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: v, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

// Resolve looks up each key and returns the ones found. Missing keys are
// skipped; any other failure aborts.
func Resolve(ctx context.Context, m Manager, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, err := m.GetSecret(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}
