package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gsaps/realtime/internal/identity"
	"github.com/gsaps/realtime/internal/symposium"
)

func newRoomsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms sessionctl knows snapshots for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := snapshots(v)
			if err != nil {
				return err
			}
			for _, id := range snaps.IDs() {
				snap := snaps.Lookup(id)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, snap.Title)
			}
			return nil
		},
	}
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Mint a development token signed with --auth-secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString(authSecretKey)
			if secret == "" {
				return errors.New("token: --auth-secret (or SESSIONCTL_AUTH_SECRET) is required")
			}
			token, err := identity.Mint(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <room>",
		Short: "Join a room and print its events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, v, args[0], true)
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "joined %s as %s\n", s.room.Channel(), s.client.Conn.SelfID())
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-s.events:
					if !ok {
						return nil
					}
					fmt.Fprintf(out, "%s\t%s\n", ev.Type, ev.Payload)
				}
			}
		},
	}
}

func newSnapshotCmd(v *viper.Viper) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "snapshot <room>",
		Short: "Join a room and print its state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, v, args[0], false)
			if err != nil {
				return err
			}
			defer s.close()

			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s.room.Snapshot())
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "collect inbound events for this long before printing")
	return cmd
}

// roomAction opens the room, runs fn and waits for the relay to settle
// every emission before printing fn's result.
func roomAction(v *viper.Viper, use, short string, nargs int, fn func(r *symposium.Room, args []string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, v, args[0], false)
			if err != nil {
				return err
			}
			defer s.close()

			result, err := fn(s.room, args[1:])
			if err != nil {
				return err
			}
			if err := s.settle(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newChatCmd(v *viper.Viper) *cobra.Command {
	return roomAction(v, "chat <room> <message...>", "Send a chat message", 2,
		func(r *symposium.Room, args []string) (string, error) {
			return r.SendChatMessage(symposium.ChatMessage{Body: strings.Join(args, " ")}), nil
		})
}

func newNoteCmd(v *viper.Viper) *cobra.Command {
	return roomAction(v, "note <room> <text...>", "Append a shared note", 2,
		func(r *symposium.Room, args []string) (string, error) {
			return r.AddNote(symposium.Note{Body: strings.Join(args, " ")}), nil
		})
}

func newVoteCmd(v *viper.Viper) *cobra.Command {
	return roomAction(v, "vote <room> <poll> <option>", "Cast a poll vote", 3,
		func(r *symposium.Room, args []string) (string, error) {
			if !r.CastPollVote(args[0], args[1]) {
				return "", fmt.Errorf("vote: no poll %q in %s", args[0], r.ID())
			}
			p, _ := r.Snapshot().Poll(args[0])
			parts := make([]string, 0, len(p.Options))
			for _, o := range p.Options {
				parts = append(parts, fmt.Sprintf("%s=%d", o.ID, o.Votes))
			}
			return strings.Join(parts, " "), nil
		})
}

func newCanvasCmd(v *viper.Viper) *cobra.Command {
	return roomAction(v, "canvas <room> <content...>", "Replace the shared canvas", 2,
		func(r *symposium.Room, args []string) (string, error) {
			content := strings.Join(args, " ")
			r.UpdateCanvas(content)
			return content, nil
		})
}

func newReactCmd(v *viper.Viper) *cobra.Command {
	return roomAction(v, "react <room> <emoji>", "Send a stage reaction", 2,
		func(r *symposium.Room, args []string) (string, error) {
			return r.SendStageReaction(args[0]).ID, nil
		})
}

func newPresenceCmd(v *viper.Viper) *cobra.Command {
	return roomAction(v, "presence <room> <status>", "Set your presence status in a room", 2,
		func(r *symposium.Room, args []string) (string, error) {
			r.UpdatePresenceStatus(args[0])
			return args[0], nil
		})
}
