package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Manage stored chats",
	}
	cmd.AddCommand(
		newChatNewCommand(),
		newChatListCommand(),
		newChatShowCommand(),
		newChatDeleteCommand(),
		newChatRenameCommand(),
		newChatDeleteMessageCommand(),
	)
	return cmd
}

func newChatNewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new [name]",
		Short: "Create an empty chat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false, withModelFlags(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.client.NewChat(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), chat.ID)
			return nil
		},
	}
	cmd.Flags().String("model", "", "Model key for the chat")
	cmd.Flags().String("version", "", "Model version (id, label or tier)")
	return cmd
}

func newChatListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List chats, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			for _, c := range a.store.List(cmd.Context()) {
				_, _ = fmt.Fprintf(w, "%s  %-30s %s\n",
					dimColor.Sprint(shortID(c.ID)),
					c.Name,
					dimColor.Sprintf("%s · %d messages · %d tokens · %s",
						c.Model, len(c.History), c.Stats.TotalTokens, c.UpdatedAt.Format("2006-01-02 15:04")))
			}
			return nil
		},
	}
}

func newChatShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <chat>",
		Short: "Print the visible transcript of a chat",
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
			if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer func() {
					_ = enc.Close()
				}()
				return enc.Encode(chat)
			}
			entries, err := a.client.Transcript(cmd.Context(), chat.ID)
			if err != nil {
				return err
			}
			renderTranscript(cmd.OutOrStdout(), chat, entries)
			return nil
		},
	}
	cmd.Flags().Bool("yaml", false, "Dump the full chat record as YAML")
	return cmd
}

func newChatDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat>",
		Short: "Delete a chat and its messages",
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
			return a.client.DeleteChat(cmd.Context(), chat.ID)
		},
	}
}

func newChatRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <chat> <name>",
		Short: "Rename a chat",
		Args:  cobra.MinimumNArgs(2),
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
			return a.client.RenameChat(cmd.Context(), chat.ID, strings.Join(args[1:], " "))
		},
	}
}

func newChatDeleteMessageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-message <chat> <index>",
		Short: "Mark a message deleted so it is neither shown nor sent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.resolveChat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.client.DeleteMessage(cmd.Context(), chat.ID, index)
		},
	}
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, errors.Errorf("invalid message index %q", s)
	}
	return i, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
