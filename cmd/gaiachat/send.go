package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/go-go-golems/gaiachat/pkg/client"
	"github.com/go-go-golems/gaiachat/pkg/events"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const replyTopic = "reply"

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "", "Model key (gpt, gemini, grok, ...)")
	cmd.Flags().String("version", "", "Model version: id, label, tier or latest")
}

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <message...>",
		Short: "Send a message and print the reply",
		Long: "Send a message to a chat, or to a new chat when --chat is not given. " +
			"Ctrl-C stops the reply and keeps what arrived so far.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true, withModelFlags(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			if ref, _ := cmd.Flags().GetString("chat"); ref != "" {
				chat, err := a.resolveChat(cmd.Context(), ref)
				if err != nil {
					return err
				}
				if err := a.client.SelectChat(cmd.Context(), chat.ID); err != nil {
					return err
				}
			}
			files, _ := cmd.Flags().GetStringSlice("file")
			for _, f := range files {
				if _, err := a.client.AttachFile(f); err != nil {
					return err
				}
			}

			text := strings.Join(args, " ")
			return runReply(cmd, a, func(ctx context.Context) (*client.Pending, error) {
				return a.client.Send(ctx, text)
			})
		},
	}
	cmd.Flags().String("chat", "", "Chat id or unique prefix")
	cmd.Flags().StringSliceP("file", "f", nil, "Attach a file (repeatable)")
	addModelFlags(cmd)
	return cmd
}

func newEditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <chat> <index> <message...>",
		Short: "Edit a user message into a new version of the branch and print the reply",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), true, withModelFlags(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.resolveChat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			text := strings.Join(args[2:], " ")
			return runReply(cmd, a, func(ctx context.Context) (*client.Pending, error) {
				return a.client.Edit(ctx, chat.ID, index, text)
			})
		},
	}
	addModelFlags(cmd)
	return cmd
}

func newRegenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regenerate <chat> <index>",
		Short: "Ask again for the reply at index, as a new version of the branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), true, withModelFlags(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.resolveChat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return runReply(cmd, a, func(ctx context.Context) (*client.Pending, error) {
				return a.client.Regenerate(ctx, chat.ID, index)
			})
		},
	}
	addModelFlags(cmd)
	return cmd
}

func newCycleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle <chat>",
		Short: "Show the next version of the chat's branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.resolveChat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := a.client.Cycle(cmd.Context(), chat.ID); err != nil {
				return err
			}
			chat, _ = a.store.Get(cmd.Context(), chat.ID)
			entries, err := a.client.Transcript(cmd.Context(), chat.ID)
			if err != nil {
				return err
			}
			renderTranscript(cmd.OutOrStdout(), chat, entries)
			return nil
		},
	}
}

// runReply runs the event router next to the send and prints the reply as
// it arrives. Ctrl-C cancels the reply; the router keeps running until the
// stopped reply was printed.
func runReply(cmd *cobra.Command, a *app, start func(ctx context.Context) (*client.Pending, error)) error {
	out := cmd.OutOrStdout()
	live := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return errors.Wrap(err, "could not create event router")
	}
	defer func() {
		_ = router.Close()
	}()
	router.AddHandler(replyTopic, replyTopic, events.ReplyPrinterFunc("assistant", out, live))

	sendCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	sendCtx = events.WithEventSinks(sendCtx, router.Sink(replyTopic))

	routerCtx, cancelRouter := context.WithCancel(cmd.Context())
	defer cancelRouter()

	eg := errgroup.Group{}
	eg.Go(func() error {
		return router.Run(routerCtx)
	})
	eg.Go(func() error {
		defer cancelRouter()
		<-router.Running()

		pending, err := start(sendCtx)
		if err != nil {
			return err
		}
		// a pending reply always resolves, stopped or not
		reply, err := pending.Wait(context.Background())
		if err != nil {
			return err
		}
		log.Debug().Str("chat_id", reply.ChatID).Str("mode", string(reply.Mode)).Msg("reply done")
		renderReplyFooter(out, reply)
		return nil
	})
	return eg.Wait()
}
