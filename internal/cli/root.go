// Package cli implements sessionctl, a headless client that joins session
// rooms through the relay, publishes actions and prints room events.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gsaps/realtime/internal/config"
)

const (
	urlKey        = "url"
	tokenKey      = "token"
	userKey       = "user"
	authSecretKey = "auth_secret"
	namespaceKey  = "namespace"
	ackTimeoutKey = "ack_timeout"
	snapshotsKey  = "snapshots_file"
)

// NewRootCmd builds the sessionctl command tree. Settings resolve from
// flags, then SESSIONCTL_* environment variables, then the config file
// ($HOME/.sessionctl.yaml unless --config is given).
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:          "sessionctl",
		Short:        "Join live session rooms from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sessionctl.yaml)")
	flags.String("url", config.Default().Realtime.URL, "relay websocket URL")
	flags.String("token", "", "identity token")
	flags.String("user", "", "user id (taken from the token when empty)")
	flags.String("auth-secret", "", "secret the token command signs with")
	flags.String("namespace", config.DefaultNamespace, "channel namespace")
	flags.Duration("ack-timeout", config.DefaultAckTimeout, "how long to wait for each acknowledgement")
	flags.String("snapshots-file", "", "YAML room snapshots (built-in rooms when empty)")

	v.BindPFlag(urlKey, flags.Lookup("url"))
	v.BindPFlag(tokenKey, flags.Lookup("token"))
	v.BindPFlag(userKey, flags.Lookup("user"))
	v.BindPFlag(authSecretKey, flags.Lookup("auth-secret"))
	v.BindPFlag(namespaceKey, flags.Lookup("namespace"))
	v.BindPFlag(ackTimeoutKey, flags.Lookup("ack-timeout"))
	v.BindPFlag(snapshotsKey, flags.Lookup("snapshots-file"))

	v.SetEnvPrefix("SESSIONCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newRoomsCmd(v),
		newTokenCmd(v),
		newWatchCmd(v),
		newSnapshotCmd(v),
		newChatCmd(v),
		newNoteCmd(v),
		newVoteCmd(v),
		newCanvasCmd(v),
		newReactCmd(v),
		newPresenceCmd(v),
	)
	return root
}

// initConfig reads the config file. A missing default file is not an
// error; a missing explicit one is.
func initConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigType("yaml")
		v.SetConfigName(".sessionctl")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
