package list

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/browserstate-org/browserstate/cmd/util"
	"github.com/browserstate-org/browserstate/pkg/config"
	"github.com/browserstate-org/browserstate/pkg/errors"
)

// New creates a new `list` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the user's stored sessions.",
		Run: func(_ *cobra.Command, _ []string) {
			userConfig, err := config.ParseUser()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			if err := listSessions(userConfig); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func listSessions(userConfig config.User) error {
	ctx := context.Background()
	manager, cleanup, err := util.NewSessionManager(ctx, userConfig)
	if err != nil {
		return err
	}
	defer cleanup()

	sessions := manager.ListSessions(ctx)
	if len(sessions) == 0 {
		fmt.Println("No stored sessions.")
		return nil
	}

	for _, sessionID := range sessions {
		fmt.Println(sessionID)
	}
	return nil
}
