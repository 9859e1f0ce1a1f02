package util

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/cache"
	"github.com/browserstate-org/browserstate/pkg/config"
	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/session"
	"github.com/browserstate-org/browserstate/pkg/storage"
	"github.com/browserstate-org/browserstate/pkg/storage/gcs"
	"github.com/browserstate-org/browserstate/pkg/storage/redisstore"
	"github.com/browserstate-org/browserstate/pkg/storage/s3"
)

// HandleFatalError prints the error's friendly message and exits. Errors
// without a friendly message are printed verbatim.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic recovers from panics in the main goroutine so that we can
// print something more helpful than a raw stack trace to users.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "BrowserState crashed: %v\n\n%s", r, debug.Stack())
	os.Exit(1)
}

// NewSessionManager builds a session manager from the user's config. The
// returned cleanup function releases any backend clients and should be
// called once the manager is no longer needed.
func NewSessionManager(ctx context.Context, userConfig config.User) (
	*session.Manager, func(), error) {

	fs := afero.NewOsFs()
	provider, cleanup, err := newProvider(ctx, fs, userConfig.Storage)
	if err != nil {
		return nil, nil, errors.WithContext(err, "create storage provider")
	}

	sessionCache, err := newCache(userConfig.Cache)
	if err != nil {
		cleanup()
		return nil, nil, errors.WithContext(err, "create session cache")
	}

	manager, err := session.New(fs, session.Config{
		UserID:   userConfig.UserID,
		Provider: provider,
		Cache:    sessionCache,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return manager, cleanup, nil
}

func newProvider(ctx context.Context, fs afero.Fs, cfg config.Storage) (
	storage.Provider, func(), error) {

	noop := func() {}
	switch cfg.Provider {
	case "local":
		if cfg.Local.Root == "" {
			return nil, nil, errors.MissingFieldError{Field: "storage.local.root"}
		}
		return storage.NewLocalProvider(fs, cfg.Local.Root), noop, nil
	case "s3":
		provider, err := s3.NewFromConfig(ctx, fs, s3.Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		return provider, noop, err
	case "gcs":
		provider, err := gcs.NewFromConfig(ctx, fs, gcs.Config{
			Bucket:          cfg.GCS.Bucket,
			CredentialsFile: cfg.GCS.CredentialsFile,
		})
		if err != nil {
			return nil, nil, err
		}
		return provider, func() {
			if err := provider.Close(); err != nil {
				log.WithError(err).Debug("Failed to close GCS client")
			}
		}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		provider := redisstore.New(fs, client, cfg.Redis.KeyPrefix)
		return provider, func() {
			if err := client.Close(); err != nil {
				log.WithError(err).Debug("Failed to close Redis client")
			}
		}, nil
	default:
		return nil, nil, errors.NewFriendlyError(
			"Unknown storage provider %q. Supported providers are "+
				"\"local\", \"s3\", \"gcs\", and \"redis\".", cfg.Provider)
	}
}

func newCache(cfg config.Cache) (cache.Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Addr == "" {
		return nil, errors.MissingFieldError{Field: "cache.addr"}
	}

	ttl, err := cfg.ParseTTL()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return cache.NewRedisCache(client, cache.Options{
		KeyPrefix: cfg.KeyPrefix,
		TTL:       ttl,
		MaxSize:   cfg.MaxSize,
		Policy:    cache.Policy(cfg.Policy),
	}, clockwork.NewRealClock()), nil
}
