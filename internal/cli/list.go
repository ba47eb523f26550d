package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
	"github.com/roach88/listsync/internal/store"
)

// ListOptions holds flags shared by the list subcommands.
type ListOptions struct {
	*RootOptions
	User string
}

// NewListCommand creates the list command and its subcommands. Every write
// goes through the store's ACL as --user and lands in the change log, so
// running engines see it like any other client's change.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Read and write lists in the store as a user",
	}
	cmd.PersistentFlags().StringVar(&opts.User, "user", "", "user to act as (overrides config user_id)")

	cmd.AddCommand(newListCreateCommand(opts))
	cmd.AddCommand(newListDeleteCommand(opts))
	cmd.AddCommand(newListRenameCommand(opts))
	cmd.AddCommand(newListEntryCommand(opts))
	cmd.AddCommand(newListShareCommand(opts))
	cmd.AddCommand(newListLeaveCommand(opts))
	cmd.AddCommand(newListShowCommand(opts))
	return cmd
}

// withSession opens the store and calls fn with the user's session.
func (opts *ListOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *store.Session, f *OutputFormatter) error) error {
	cfg, err := opts.loadConfig(opts.User, true)
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr())
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)
	f.VerboseLog("acting as %s on %s", cfg.UserID, cfg.Database)
	return fn(ctx, st.Session(cfg.UserID), f)
}

func newListCreateCommand(opts *ListOptions) *cobra.Command {
	var location, category string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a list owned by the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *store.Session, f *OutputFormatter) error {
				row, err := s.Insert(ctx, model.Entity{
					OwnerID:      s.User(),
					Name:         args[0],
					LocationText: location,
					Category:     category,
				})
				if err != nil {
					return f.Fail("create failed", err)
				}
				return f.Success(entityResult(f, "Created", row))
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location text")
	cmd.Flags().StringVar(&category, "category", "", "category")
	return cmd
}

func newListDeleteCommand(opts *ListOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a list the user owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *store.Session, f *OutputFormatter) error {
				if err := s.Delete(ctx, args[0]); err != nil {
					return f.Fail("delete failed", err)
				}
				return f.Success(idResult(f, "Deleted", args[0]))
			})
		},
	}
}

func newListRenameCommand(opts *ListOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a list the user owns or edits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *store.Session, f *OutputFormatter) error {
				name := args[1]
				row, err := s.Update(ctx, args[0], model.Patch{Name: &name})
				if err != nil {
					return f.Fail("rename failed", err)
				}
				return f.Success(entityResult(f, "Renamed", row))
			})
		},
	}
}

func newListEntryCommand(opts *ListOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "entry <id> <venue>",
		Short: "Add a venue to a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *store.Session, f *OutputFormatter) error {
				row, err := s.AddEntry(ctx, args[0], args[1])
				if err != nil {
					return f.Fail("add entry failed", err)
				}
				return f.Success(entityResult(f, "Added to", row))
			})
		},
	}
}

func newListShareCommand(opts *ListOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "share <id> <user>",
		Short: "Share a list the user owns",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *store.Session, f *OutputFormatter) error {
				if err := s.Share(ctx, args[0], args[1], model.Role(role)); err != nil {
					return f.Fail("share failed", err)
				}
				if f.Format == "json" {
					return f.Success(map[string]string{"id": args[0], "user": args[1], "role": role})
				}
				return f.Success(fmt.Sprintf("Shared %s with %s as %s", args[0], args[1], role))
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(model.RoleViewer), "member role (editor|viewer)")
	return cmd
}

func newListLeaveCommand(opts *ListOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <id>",
		Short: "Leave a list shared with the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *store.Session, f *OutputFormatter) error {
				if err := s.Leave(ctx, args[0]); err != nil {
					return f.Fail("leave failed", err)
				}
				return f.Success(idResult(f, "Left", args[0]))
			})
		},
	}
}

func newListShowCommand(opts *ListOptions) *cobra.Command {
	var location, category string
	var noColor bool
	cmd := &cobra.Command{
		Use:       "show [private|shared]",
		Short:     "Print a collection as the store returns it",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(model.CollectionPrivate), string(model.CollectionShared)},
		RunE: func(cmd *cobra.Command, args []string) error {
			collections := model.Collections
			if len(args) == 1 {
				collections = []model.Collection{model.Collection(args[0])}
			}
			return opts.withSession(cmd, func(ctx context.Context, s *store.Session, f *OutputFormatter) error {
				filter := model.Filter{LocationText: location, Category: category}
				result := make(map[model.Collection][]model.Entity, len(collections))
				for _, c := range collections {
					rows, err := fetchWithCounts(ctx, s, c, filter)
					if err != nil {
						return f.Fail("fetch failed", err)
					}
					result[c] = rows
				}
				if f.Format == "json" {
					return f.Success(result)
				}
				r := &Renderer{W: f.Writer, Color: !noColor}
				for _, c := range collections {
					fmt.Fprintf(f.Writer, "%s - %d\n", c, len(result[c]))
					r.Entities(result[c])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location prefix filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

// fetchWithCounts reads a collection and fills in entry counts the way the
// engine does.
func fetchWithCounts(ctx context.Context, s *store.Session, c model.Collection, filter model.Filter) ([]model.Entity, error) {
	rows, err := s.FetchEntities(ctx, remote.Query{UserID: s.User(), Collection: c, Filter: filter})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return rows, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	counts, err := s.FetchCounts(ctx, ids)
	if err != nil {
		slog.Debug("count fetch failed", "collection", c, "error", err)
		return rows, nil
	}
	for i := range rows {
		rows[i].EntryCount = counts[rows[i].ID]
	}
	return rows, nil
}

func entityResult(f *OutputFormatter, verb string, row model.Entity) any {
	if f.Format == "json" {
		return row
	}
	return fmt.Sprintf("%s %s %q", verb, row.ID, row.Name)
}

func idResult(f *OutputFormatter, verb, id string) any {
	if f.Format == "json" {
		return map[string]string{"id": id}
	}
	return verb + " " + id
}
