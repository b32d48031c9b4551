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

	"refinery/internal/app"
	"refinery/internal/bot"
	"refinery/internal/config"
	"refinery/internal/engine"
	"refinery/internal/engine/auth"
	"refinery/internal/parser"
	"refinery/internal/scheduler"
	"refinery/internal/server"
	"refinery/internal/zulip"
)

var rootCmd = &cobra.Command{
	Use:   "rfy",
	Short: "Refinery CLI",
	Long: `Refinery runs asynchronous estimation rounds for issue trackers.
A facilitator starts a batch of issues, the roster votes on a point
scale within a business-hours deadline, and each issue either resolves
by consensus or goes to a discussion list the facilitator settles.
Everything is recorded in an event log ('rfy log tail').`,
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
	viper.SetEnvPrefix("REFINERY")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(votersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func tokenCmd() *cobra.Command {
	token := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	token.AddCommand(tokenMintCmd())
	return token
}

func tokenMintCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := os.Getenv("REFINERY_JWT_SECRET")
				if secret == "" {
					secret = a.Config.Auth.JWTSecret
				}
				signed, err := auth.MintToken(secret, viper.GetString("actor-id"), ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"token": signed})
				}
				fmt.Println(signed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the rulebook (refinery.yml): point scale, consensus thresholds, voting window, roster, and the Zulip/tracker credentials.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default refinery.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return printJSONOrIndent(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active batch",
		Long:  "See the scoreboard for the current round: items, who has voted, and who everyone is waiting on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				st, err := a.Engine.Status(ctx)
				if err != nil {
					if errors.Is(err, engine.ErrNoActiveBatch) && !viper.GetBool("json") {
						fmt.Println("No active batch.")
						return nil
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Batch %s (%s), facilitated by %s, deadline %s\n",
					st.Batch.PublicID, st.Batch.Status, st.Batch.Facilitator, st.Batch.Deadline)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Issue", "Title", "Status", "Votes", "Points"})
				for _, is := range st.Batch.Issues {
					points := ""
					if is.FinalPoints != nil {
						points = fmt.Sprint(*is.FinalPoints)
					}
					tw.AppendRow(table.Row{"#" + is.Number, is.Title, is.Status, st.VotesByIssue[is.Number], points})
				}
				tw.Render()
				if len(st.Waiting) > 0 {
					fmt.Printf("Waiting on: %s\n", strings.Join(st.Waiting, ", "))
				}
				return nil
			})
		},
	}
	return cmd
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{
		Use:   "batch",
		Short: "Manage estimation batches",
		Long:  "A batch holds up to a handful of issues put to the roster at once. It moves voting -> discussion -> completed, or gets cancelled.",
	}
	batch.AddCommand(batchStartCmd())
	batch.AddCommand(batchCompleteCmd())
	batch.AddCommand(batchCancelCmd())
	batch.AddCommand(batchFinishCmd())
	batch.AddCommand(batchListCmd())
	return batch
}

func batchStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <issue-url>...",
		Short: "Start a voting batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				refs, err := parser.ParseBatchInput(strings.Join(args, "\n"), a.Config.Batch.MaxIssues)
				if err != nil {
					return err
				}
				b, err := a.Engine.StartBatch(ctx, viper.GetString("actor-id"), refs)
				if err != nil {
					return err
				}
				return printJSONOrIndent(b)
			})
		},
	}
	return cmd
}

func batchCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Close voting early and evaluate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ev, err := a.Engine.Complete(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(ev)
			})
		},
	}
	return cmd
}

func batchCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				b, err := a.Engine.Cancel(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(b)
			})
		},
	}
	return cmd
}

func batchFinishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finish <entry>...",
		Short: "Resolve discussion items",
		Long:  "Each entry is '#ref: points rationale', one per argument, e.g. rfy batch finish '#101: 8 split the migration out'.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				entries, err := parser.ParseFinish(strings.Join(args, "\n"), a.Config.Scale)
				if err != nil {
					return err
				}
				ev, err := a.Engine.FinishDiscussion(ctx, viper.GetString("actor-id"), entries)
				if err != nil {
					return err
				}
				return printJSONOrIndent(ev)
			})
		},
	}
	return cmd
}

func batchListCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListBatches(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Facilitator", "Status", "Issues"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.PublicID, b.Date, b.Facilitator, b.Status, len(b.Issues)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of batches")
	return cmd
}

func voteCmd() *cobra.Command {
	var onBehalfOf string
	cmd := &cobra.Command{
		Use:   "vote <ballot>",
		Short: "Submit a complete vote set",
		Long:  "The ballot covers every open item, e.g. rfy vote '#101: 5, #102: abstain'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				entries, err := parser.ParseVotes(args[0], a.Config.Scale)
				if err != nil {
					return err
				}
				res, err := a.Engine.SubmitVotes(ctx, viper.GetString("actor-id"), onBehalfOf, entries)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&onBehalfOf, "for", "", "record the ballot for another voter (facilitator only)")
	return cmd
}

func votersCmd() *cobra.Command {
	voters := &cobra.Command{
		Use:   "voters",
		Short: "Manage the batch roster",
	}
	voters.AddCommand(votersAddCmd())
	voters.AddCommand(votersRemoveCmd())
	return voters
}

func votersAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>...",
		Short: "Add voters to the active batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				outcomes, err := a.Engine.AddVoters(ctx, viper.GetString("actor-id"), args)
				if err != nil {
					return err
				}
				return printJSONOrIndent(outcomes)
			})
		},
	}
	return cmd
}

func votersRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <name>...",
		Short: "Remove voters from the active batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				outcomes, ev, err := a.Engine.RemoveVoters(ctx, viper.GetString("actor-id"), args)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"outcomes": outcomes, "evaluation": ev})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: batches, votes, resolutions, reminders.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var batchID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, batchID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Issue", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.Issue, evt.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().Int64Var(&batchID, "batch", 0, "batch id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tickSeconds int
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, scheduler, and announcers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()

			jwtSecret := os.Getenv("REFINERY_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = a.Config.Auth.JWTSecret
			}
			if jwtSecret == "" && !allowLegacyActor {
				return fmt.Errorf("REFINERY_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor for local use)")
			}

			b := bot.New(a.Engine, a.Config)
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Bot:      b,
				App:      a.Config,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: allowLegacyActor,
				},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sched := scheduler.New(a.Engine, time.Duration(tickSeconds)*time.Second)
			go sched.Run(ctx)
			if a.Config.Zulip.Site != "" && a.Config.Zulip.APIKey != "" {
				client := zulip.New(a.Config.Zulip.Site, a.Config.Zulip.Email, a.Config.Zulip.APIKey)
				announcer := zulip.NewAnnouncer(a.Engine.Repo, client, a.Config.Stream.Name, a.Config.Stream.Topic)
				go announcer.Run(ctx)
			}
			server.StartWebhookDispatcher(a.Engine)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Refinery API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, Zulip webhook at /zulip)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&tickSeconds, "tick-seconds", 60, "deadline and reminder check interval")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept X-Actor-Id header without auth (local use only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrIndent(v any) error {
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
