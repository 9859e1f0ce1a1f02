package config

import (
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/errors"
)

const (
	// UserConfigPath is the default path to the BrowserState user config.
	UserConfigPath = "~/.browserstate.yaml"

	// InitialUserConfigVersion is the first version of the BrowserState
	// user config. Config files that do not specify a version
	// will default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the
	// BrowserState user config of the current BrowserState binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// User contains the user's session storage configuration.
type User struct {
	Version string  `json:"version,omitempty"`
	UserID  string  `json:"userID"`
	Storage Storage `json:"storage"`
	Cache   Cache   `json:"cache,omitempty"`
}

// Storage selects and configures the storage backend. Provider is one of
// "local", "s3", "gcs", or "redis", and only the matching section is read.
type Storage struct {
	Provider string `json:"provider"`

	Local LocalStorage `json:"local,omitempty"`
	S3    S3Storage    `json:"s3,omitempty"`
	GCS   GCSStorage   `json:"gcs,omitempty"`
	Redis RedisStorage `json:"redis,omitempty"`
}

// LocalStorage stores sessions under a directory on the local filesystem.
type LocalStorage struct {
	Root string `json:"root"`
}

// S3Storage stores sessions in an S3 bucket.
type S3Storage struct {
	Bucket       string `json:"bucket"`
	Region       string `json:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	AccessKey    string `json:"accessKey,omitempty"`
	SecretKey    string `json:"secretKey,omitempty"`
	UsePathStyle bool   `json:"usePathStyle,omitempty"`
}

// GCSStorage stores sessions in a Google Cloud Storage bucket.
type GCSStorage struct {
	Bucket          string `json:"bucket"`
	CredentialsFile string `json:"credentialsFile,omitempty"`
}

// RedisStorage stores sessions in a Redis server.
type RedisStorage struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty"`
}

// Cache configures the optional Redis session cache.
type Cache struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty"`
	// TTL is parsed with time.ParseDuration, e.g. "24h".
	TTL     string `json:"ttl,omitempty"`
	MaxSize int    `json:"maxSize,omitempty"`
	// Policy is "lru" or "fifo".
	Policy string `json:"policy,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// ParseTTL returns the configured cache TTL, or zero when unset so the
// cache falls back to its default.
func (c Cache) ParseTTL() (time.Duration, error) {
	if c.TTL == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0, errors.NewFriendlyError(
			"The cache TTL %q is not a valid duration. "+
				"Use a value like \"30m\" or \"24h\".", c.TTL)
	}
	return ttl, nil
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser attempts to parse the User stored in the default path.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{}, errors.NewFriendlyError("The BrowserState user "+
				"config file doesn't exist at %q. Please run `browserstate "+
				"config` to create it.", path)
		}
		return User{}, errors.WithContext(err, "parse")
	}

	if config.UserID == "" {
		return User{}, errors.NewFriendlyError("The BrowserState user config "+
			"at %q doesn't set `userID`. Sessions are stored per user, so an "+
			"id is required.", path)
	}

	config.Storage.Local.Root, err = homedir.Expand(config.Storage.Local.Root)
	if err != nil {
		return User{}, errors.WithContext(err, "expand storage root")
	}
	return config, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// Get the path to the user's global BrowserState configuration. This path
// is expanded, so it can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
