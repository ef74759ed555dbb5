package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkgboard/internal/config"
	"pkgboard/internal/db"
	"pkgboard/internal/domain"
	"pkgboard/internal/migrate"
	"pkgboard/internal/notify"
	"pkgboard/internal/registry"
	"pkgboard/internal/repo"
	"pkgboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pb",
	Short: "Pkgboard CLI",
	Long: `Pkgboard coordinates package review work across a team.
- Packagers: reviewers identified by their chat uid.
- Packages: the units of work, assigned to one packager at a time.
- Marks: immutable status notes (outdated, stuck, ready, failing, ...).
- Relations: blocking edges; a package is not ready while a dependency
  is missing or outdated.
- Event log: diary of changes, view with 'pb log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PKGBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(packagerCmd())
	rootCmd.AddCommand(pkgCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(unassignCmd())
	rootCmd.AddCommand(assigneeCmd())
	rootCmd.AddCommand(markCmd())
	rootCmd.AddCommand(relCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var boardID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pkgboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(boardID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&boardID, "id", "default", "board id")
	return cmd
}

func packagerCmd() *cobra.Command {
	p := &cobra.Command{Use: "packager", Short: "Manage packagers"}
	p.AddCommand(packagerAddCmd())
	p.AddCommand(packagerListCmd())
	return p
}

func packagerAddCmd() *cobra.Command {
	var uid int64
	var alias string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or rename a packager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				p, err := g.UpsertPackager(ctx, domain.Packager{TgUID: uid, Alias: alias}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&uid, "uid", 0, "chat uid")
	cmd.Flags().StringVar(&alias, "alias", "", "display alias")
	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("alias")
	return cmd
}

func packagerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packagers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPackagers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("UID", "ALIAS")
				for _, p := range items {
					t.AppendRow(table.Row{p.TgUID, p.Alias})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func pkgCmd() *cobra.Command {
	p := &cobra.Command{Use: "pkg", Short: "Manage packages"}
	p.AddCommand(pkgAddCmd())
	p.AddCommand(pkgListCmd())
	p.AddCommand(pkgShowCmd())
	return p
}

func pkgAddCmd() *cobra.Command {
	var id int64
	var name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or rename a package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				p, err := g.UpsertPackage(ctx, domain.Package{ID: id, Name: name}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "package id")
	cmd.Flags().StringVar(&name, "name", "", "package name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func pkgListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPackages(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME")
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.Name})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func pkgShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a package with its derived status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				s, err := g.Status(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "package id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func assignCmd() *cobra.Command {
	var pkg, assignee, at int64
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a package to a packager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				a, err := g.Assign(ctx, pkg, assignee, at, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&pkg, "pkg", 0, "package id")
	cmd.Flags().Int64Var(&assignee, "to", 0, "packager uid")
	cmd.Flags().Int64Var(&at, "at", 0, "epoch seconds (default now)")
	_ = cmd.MarkFlagRequired("pkg")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func unassignCmd() *cobra.Command {
	var pkg int64
	cmd := &cobra.Command{
		Use:   "unassign",
		Short: "Unassign a package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				a, err := g.Unassign(ctx, pkg, 0, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&pkg, "pkg", 0, "package id")
	_ = cmd.MarkFlagRequired("pkg")
	return cmd
}

func assigneeCmd() *cobra.Command {
	var pkg int64
	cmd := &cobra.Command{
		Use:   "assignee",
		Short: "Show a package's current assignee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				p, err := g.CurrentAssignee(ctx, pkg)
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Println("unassigned")
					return nil
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&pkg, "pkg", 0, "package id")
	_ = cmd.MarkFlagRequired("pkg")
	return cmd
}

func markCmd() *cobra.Command {
	m := &cobra.Command{Use: "mark", Short: "Record and list marks"}
	m.AddCommand(markAddCmd())
	m.AddCommand(markListCmd())
	return m
}

func markAddCmd() *cobra.Command {
	var name, comment string
	var pkg, by, msgID, at int64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a mark",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				opts := registry.MarkOptions{
					Name:     name,
					MarkedAt: at,
					MsgID:    msgID,
					Comment:  comment,
					ActorID:  viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("pkg") {
					opts.ForPkg = &pkg
				}
				if cmd.Flags().Changed("by") {
					opts.MarkedBy = &by
				}
				mk, err := g.RecordMark(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(mk)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "mark name")
	cmd.Flags().Int64Var(&pkg, "pkg", 0, "package id")
	cmd.Flags().Int64Var(&by, "by", 0, "packager uid")
	cmd.Flags().Int64Var(&msgID, "msg-id", 0, "source message id")
	cmd.Flags().Int64Var(&at, "at", 0, "epoch seconds (default now)")
	cmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func markListCmd() *cobra.Command {
	var pkg int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List marks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					items []domain.Mark
					err   error
				)
				if cmd.Flags().Changed("pkg") {
					items, err = r.ListMarks(ctx, pkg)
				} else {
					items, err = r.ListAllMarks(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "PKG", "BY", "AT", "COMMENT")
				for _, m := range items {
					t.AppendRow(table.Row{m.ID, m.Name, deref(m.ForPkg), deref(m.MarkedBy), m.MarkedAt, derefStr(m.Comment)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&pkg, "pkg", 0, "package id filter")
	return cmd
}

func relCmd() *cobra.Command {
	r := &cobra.Command{Use: "rel", Short: "Manage dependency relations"}
	r.AddCommand(relAddCmd())
	r.AddCommand(relResolveCmd())
	r.AddCommand(relListCmd())
	return r
}

func relAddCmd() *cobra.Command {
	var request, required int64
	var status string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record that a package waits on another",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				rel, err := g.AddRelation(ctx, domain.Relation{
					Status:   status,
					Required: required,
					Request:  request,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().Int64Var(&request, "pkg", 0, "waiting package id")
	cmd.Flags().Int64Var(&required, "on", 0, "required package id")
	cmd.Flags().StringVar(&status, "status", domain.RelationMissingDep, "relation status")
	_ = cmd.MarkFlagRequired("pkg")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func relResolveCmd() *cobra.Command {
	var request, required int64
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a relation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				return g.ResolveRelation(ctx, request, required, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().Int64Var(&request, "pkg", 0, "waiting package id")
	cmd.Flags().Int64Var(&required, "on", 0, "required package id")
	_ = cmd.MarkFlagRequired("pkg")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func relListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List relations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRelations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("PKG", "WAITS ON", "STATUS")
				for _, rel := range items {
					t.AppendRow(table.Row{rel.Request, rel.Required, rel.Status})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func readyCmd() *cobra.Command {
	var pkg int64
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "Check whether a package is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				r, err := g.Ready(ctx, pkg)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().Int64Var(&pkg, "pkg", 0, "package id")
	_ = cmd.MarkFlagRequired("pkg")
	return cmd
}

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the working list and mark list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, g registry.Registry) error {
				board, err := g.Board(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				work := newTable("PKG", "NAME", "ASSIGNEE", "SINCE")
				for _, u := range board.WorkList {
					work.AppendRow(table.Row{u.Pkg, u.PkgName, u.Alias, time.Unix(u.AssignedAt, 0).UTC().Format(time.RFC3339)})
				}
				fmt.Println(work.Render())
				marks := newTable("PKG", "NAME", "MARKS")
				for _, u := range board.MarkList {
					names := make([]string, 0, len(u.Marks))
					for _, m := range u.Marks {
						names = append(names, m.Name)
					}
					marks.AppendRow(table.Row{u.Pkg, u.PkgName, strings.Join(names, ", ")})
				}
				fmt.Println(marks.Render())
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("default")
			}
			g := registry.New(conn, cfg)
			tg := notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
			notify.StartDispatcher(g, tg)
			handler, err := server.New(server.Config{
				Registry: g,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: os.Getenv("PKGBOARD_JWT_SECRET"),
					APIToken:  os.Getenv("PKGBOARD_API_TOKEN"),
				},
				ReleaseToken: cfg.Release.Token,
				Telegram:     tg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pkgboard API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withRegistry(ctx context.Context, fn func(context.Context, registry.Registry) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	return fn(ctx, registry.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(v *int64) any {
	if v == nil {
		return ""
	}
	return *v
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
