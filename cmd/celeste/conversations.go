package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/celeste/pkg/config"
	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/persist"
	"github.com/nstogner/celeste/pkg/store"
)

func newConversationsCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage saved conversations",
	}

	// withSync opens only the store; no providers or session are needed.
	withSync := func(cmd *cobra.Command, fn func(ctx context.Context, s *persist.Synchronizer) error) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		logs, err := setupLogging(cfg, "")
		if err != nil {
			return err
		}
		defer logs.Close()

		st, err := newStoreOnly(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd.Context(), persist.New(st, cfg.OwnerID))
	}

	var limit int
	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSync(cmd, func(ctx context.Context, s *persist.Synchronizer) error {
				var convs []domain.Conversation
				var err error
				if query != "" {
					convs, err = s.Search(ctx, query, limit)
				} else {
					convs, err = s.ListConversations(ctx, store.ListOptions{Limit: limit})
				}
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
				for _, c := range convs {
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format(time.RFC822))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of conversations")
	list.Flags().StringVarP(&query, "search", "s", "", "only list conversations matching this text")

	del := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete conversations and their messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSync(cmd, func(ctx context.Context, s *persist.Synchronizer) error {
				for _, id := range args {
					if err := s.DeleteConversation(ctx, id); err != nil {
						return fmt.Errorf("deleting %s: %w", id, err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Deleted", id)
				}
				return nil
			})
		},
	}

	var title string
	rename := &cobra.Command{
		Use:   "rename <id>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSync(cmd, func(ctx context.Context, s *persist.Synchronizer) error {
				c, err := s.RenameConversation(ctx, args[0], title)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Renamed", c.ID, "to", c.Title)
				return nil
			})
		},
	}
	rename.Flags().StringVarP(&title, "title", "t", "", "new title")
	rename.MarkFlagRequired("title")

	cmd.AddCommand(list, del, rename)
	return cmd
}
