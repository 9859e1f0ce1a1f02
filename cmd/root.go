package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	configCmd "github.com/browserstate-org/browserstate/cmd/config"
	deleteCmd "github.com/browserstate-org/browserstate/cmd/delete"
	"github.com/browserstate-org/browserstate/cmd/list"
	"github.com/browserstate-org/browserstate/cmd/run"
	"github.com/browserstate-org/browserstate/cmd/util"
	"github.com/browserstate-org/browserstate/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "BROWSERSTATE_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "browserstate",
		Short:        "Persist session directories across machines.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		configCmd.New(),
		deleteCmd.New(),
		list.New(),
		run.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
