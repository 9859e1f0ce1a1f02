package delete

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/browserstate-org/browserstate/cmd/util"
	"github.com/browserstate-org/browserstate/pkg/config"
	"github.com/browserstate-org/browserstate/pkg/errors"
)

// New creates a new `delete` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "delete SESSION",
		Short: "Delete a stored session.",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			userConfig, err := config.ParseUser()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			if err := deleteSession(userConfig, args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func deleteSession(userConfig config.User, sessionID string) error {
	ctx := context.Background()
	manager, cleanup, err := util.NewSessionManager(ctx, userConfig)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := manager.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	fmt.Printf("Deleted session %s\n", sessionID)
	return nil
}
