package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/go-go-golems/murmur/pkg/history"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// resolveID accepts a full id or an unambiguous prefix of one.
func resolveID(cat conversation.Catalogue, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("conversation id is empty")
	}
	if _, ok := cat.Find(arg); ok {
		return arg, nil
	}

	matches := []string{}
	for _, c := range cat {
		if strings.HasPrefix(c.ID, arg) {
			matches = append(matches, c.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.Wrapf(history.ErrNotFound, "conversation %q", arg)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Errorf("conversation id %q is ambiguous (%d matches)", arg, len(matches))
	}
}

func printSummaries(w io.Writer, summaries []conversation.Summary, currentID string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\tID\tTITLE\tCREATED\tMESSAGES")
	for _, s := range summaries {
		marker := ""
		if s.ID == currentID {
			marker = "*"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", marker, s.ID, s.Title, s.CreatedAt, s.Messages)
	}
	return tw.Flush()
}

func conversationMarkdown(c conversation.Conversation) string {
	sb := strings.Builder{}
	sb.WriteString("# " + c.Title + "\n\n")
	for _, m := range c.VisibleMessages() {
		sb.WriteString("**" + string(m.Role) + "**\n\n")
		sb.WriteString(strings.TrimRight(m.Content, "\n") + "\n\n")
	}
	return sb.String()
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			summaries := a.repo.LoadAll(ctx).Summaries()
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			if len(summaries) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "No conversations yet.")
				return err
			}
			return printSummaries(cmd.OutOrStdout(), summaries, "")
		},
	}
	cmd.Flags().Bool("json", false, "Print the catalogue as JSON")
	return cmd
}

func loadConversation(ctx context.Context, a *app, arg string) (conversation.Conversation, error) {
	id, err := resolveID(a.repo.LoadAll(ctx), arg)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return a.repo.Get(ctx, id)
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := loadConversation(ctx, a, args[0])
			if err != nil {
				return err
			}

			render, _ := cmd.Flags().GetBool("render")
			if render {
				out, err := glamour.Render(conversationMarkdown(c), "dark")
				if err != nil {
					return errors.Wrap(err, "could not render conversation")
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "%s (%s)\n\n", c.Title, c.ID)
			for _, m := range c.VisibleMessages() {
				_, _ = fmt.Fprintln(w, m.View())
			}
			return nil
		},
	}
	cmd.Flags().Bool("render", false, "Render the conversation as markdown")
	return cmd
}

func newNewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Store an empty conversation; it becomes the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			c := conversation.New(a.settings.SystemPrompt)
			if err := a.repo.Save(ctx, c); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return err
		},
	}
}

func newRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a stored conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return errors.New("title is empty")
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := resolveID(a.repo.LoadAll(ctx), args[0])
			if err != nil {
				return err
			}
			return a.repo.Rename(ctx, id, title)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [<id>]",
		Short: "Delete a stored conversation, or all of them with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) {
				return errors.New("pass either a conversation id or --all")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				return a.repo.Clear(ctx)
			}
			id, err := resolveID(a.repo.LoadAll(ctx), args[0])
			if err != nil {
				return err
			}
			return a.repo.Delete(ctx, id)
		},
	}
	cmd.Flags().Bool("all", false, "Delete every stored conversation")
	return cmd
}

type exportMessage struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

type exportDocument struct {
	ID        string          `json:"id" yaml:"id"`
	Title     string          `json:"title" yaml:"title"`
	CreatedAt time.Time       `json:"createdAt" yaml:"created_at"`
	System    string          `json:"system" yaml:"system"`
	Messages  []exportMessage `json:"messages" yaml:"messages"`
}

func newExportDocument(c conversation.Conversation) exportDocument {
	ret := exportDocument{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		Messages:  []exportMessage{},
	}
	if len(c.Messages) > 0 && c.Messages[0].Role == conversation.RoleSystem {
		ret.System = c.Messages[0].Content
	}
	for _, m := range c.VisibleMessages() {
		ret.Messages = append(ret.Messages, exportMessage{Role: string(m.Role), Content: m.Content})
	}
	return ret
}

func writeExport(w io.Writer, c conversation.Conversation, format string) error {
	doc := newExportDocument(c)
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		return errors.Errorf("unknown export format %q", format)
	}
}

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a stored conversation as yaml or json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := loadConversation(ctx, a, args[0])
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			return writeExport(cmd.OutOrStdout(), c, format)
		},
	}
	cmd.Flags().String("format", "yaml", "Export format (yaml, json)")
	return cmd
}
