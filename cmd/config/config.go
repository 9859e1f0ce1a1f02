package config

import (
	"fmt"
	"io"
	"os"
	"os/user"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/browserstate-org/browserstate/cmd/util"
	"github.com/browserstate-org/browserstate/pkg/config"
	"github.com/browserstate-org/browserstate/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUser
	writeUserConfig           = config.WriteUser
	getCurrentUser            = user.Current
)

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the BrowserState user configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.UserID, "user-id", "",
		"Set the user id in the config. "+
			"Optional: If not set, it defaults to the OS username.")
	cmd.Flags().StringVar(&cliOpts.Storage.Provider, "provider", "local",
		"The storage provider to use: local, s3, gcs, or redis.")
	cmd.Flags().StringVar(&cliOpts.Storage.Local.Root, "local-root", "",
		"The directory that the local provider stores sessions under.")
	cmd.Flags().StringVar(&cliOpts.Storage.S3.Bucket, "s3-bucket", "",
		"The bucket that the s3 provider stores sessions in.")
	cmd.Flags().StringVar(&cliOpts.Storage.S3.Region, "s3-region", "",
		"The region of the s3 bucket.")
	cmd.Flags().StringVar(&cliOpts.Storage.GCS.Bucket, "gcs-bucket", "",
		"The bucket that the gcs provider stores sessions in.")
	cmd.Flags().StringVar(&cliOpts.Storage.Redis.Addr, "redis-addr", "",
		"The address of the Redis server used by the redis provider.")
	cmd.Flags().BoolVar(&cliOpts.Cache.Enabled, "cache", false,
		"Enable the Redis session cache.")
	cmd.Flags().StringVar(&cliOpts.Cache.Addr, "cache-addr", "",
		"The address of the Redis server used by the session cache.")

	// Setup the commands for querying the contents of the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-user-id",
			short: "Get the currently configured user id",
			fn:    func(cfg config.User) string { return cfg.UserID },
		},
		{
			use:   "get-provider",
			short: "Get the currently configured storage provider",
			fn:    func(cfg config.User) string { return cfg.Storage.Provider },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig writes the user config described by cliOpts to disk, filling
// in the user id from the environment when it's not given explicitly.
func SetupConfig(cliOpts config.User) error {
	cfg := cliOpts
	if cfg.UserID == "" {
		currentUser, err := getCurrentUser()
		if err != nil {
			return errors.WithContext(err, "get current user")
		}
		cfg.UserID = currentUser.Username
		log.WithField("userID", cfg.UserID).Debug("Defaulted user id to OS username")
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}
