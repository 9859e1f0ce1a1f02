package run

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/browserstate-org/browserstate/cmd/util"
	"github.com/browserstate-org/browserstate/pkg/config"
	"github.com/browserstate-org/browserstate/pkg/errors"
)

// sessionPathKey is the environment variable through which the child
// process learns where the session was mounted.
const sessionPathKey = "BROWSERSTATE_SESSION_PATH"

// New creates a new `run` command.
func New() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use: "run [flags] -- command...",
		Short: "Run a command with a mounted session. " +
			"The session is uploaded when the command exits.",
		Run: func(_ *cobra.Command, args []string) {
			if len(args) == 0 {
				util.HandleFatalError(errors.NewFriendlyError(
					"No command to run. Usage: browserstate run -- command..."))
			}

			userConfig, err := config.ParseUser()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			if err := run(userConfig, sessionID, args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "",
		"The session to mount. "+
			"Optional: If not set, a new session is created.")
	return cmd
}

func run(userConfig config.User, sessionID string, command []string) error {
	ctx := context.Background()
	manager, cleanup, err := util.NewSessionManager(ctx, userConfig)
	if err != nil {
		return err
	}
	defer cleanup()

	session, err := manager.Mount(ctx, sessionID)
	if err != nil {
		return errors.WithContext(err, "mount session")
	}
	fmt.Printf("Mounted session %s at %s\n", session.SessionID, session.LocalPath)

	// The session must be flushed even when the user interrupts the child,
	// so the child runs in its own process group and signals are handled
	// here instead.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	childErr := make(chan error, 1)
	child := exec.Command(command[0], command[1:]...)
	child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Dir = session.LocalPath
	child.Env = append(os.Environ(), sessionPathKey+"="+session.LocalPath)
	if err := child.Start(); err != nil {
		return errors.WithContext(err, "start command")
	}
	go func() {
		childErr <- child.Wait()
	}()

	select {
	case sig := <-signals:
		log.WithField("signal", sig).Info("Interrupted. Flushing session.")
		if err := syscall.Kill(-child.Process.Pid, syscall.SIGTERM); err != nil {
			log.WithError(err).Debug("Failed to signal child process")
		}
		<-childErr
	case err := <-childErr:
		if err != nil {
			log.WithError(err).Warn("Command exited with an error")
		}
	}

	if err := manager.FlushOnShutdown(ctx); err != nil {
		return errors.WithContext(err, "flush session")
	}
	fmt.Printf("Uploaded session %s\n", session.SessionID)
	return nil
}
