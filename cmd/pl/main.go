package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pledgeline/internal/app"
	"pledgeline/internal/config"
	"pledgeline/internal/db"
	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
	"pledgeline/internal/engine/auth"
	"pledgeline/internal/monitor"
	"pledgeline/internal/repo"
	"pledgeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pledgeline CLI",
	Long: `Pledgeline runs the donation task workflow for campaign participations.
Core concepts:
- Participation: one donor in one campaign. It owns a versioned task list.
- Tasks: steps handed between the donor, an invited valuer and the organization approver.
  A task is blocked until every dependency is completed; completed is terminal.
- Commitment decision: the donor commits now or after the appraisal; the choice rewires the list.
- Invitations: the donor invites a valuer by email; accepting binds the valuer tasks.
- Signature monitor: polls the e-signature provider and completes signed agreements.
- Event log: every transition is recorded, view with 'pl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLEDGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "user acting on the workflow")
	flags.String("actor-email", "", "email of the acting user")
	flags.Bool("actor-email-verified", false, "treat the actor email as verified")
	flags.StringSlice("actor-roles", nil, "roles of the acting user")
	flags.String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "json", "actor-id", "actor-email", "actor-email-verified", "actor-roles", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(participationCmd())
	rootCmd.AddCommand(legacyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(inviteCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func actor() auth.Actor {
	return auth.Actor{
		UserID:        viper.GetString("actor-id"),
		Email:         viper.GetString("actor-email"),
		EmailVerified: viper.GetBool("actor-email-verified"),
		Roles:         viper.GetStringSlice("actor-roles"),
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, signature monitor and webhook relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				secret := os.Getenv(cfg.Auth.JWTSecretEnv)
				if secret == "" {
					return fmt.Errorf("%s is required for bearer auth", cfg.Auth.JWTSecretEnv)
				}

				var (
					sched  *monitor.Scheduler
					runner server.MonitorRunner
				)
				if a.Provider != nil {
					sched = monitor.NewScheduler(a.Monitor(), cfg.Monitor.Interval, a.Log.With().Str("component", "scheduler").Logger())
					runner = sched
				} else {
					a.Log.Warn().Msg("esign.base_url not set; signature monitor disabled")
				}

				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Log: a.Log.With().Str("component", "auth").Logger()},
					Monitor:  runner,
					Metrics:  a.Metrics.Handler(),
					Log:      a.Log.With().Str("component", "http").Logger(),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				var loops []func(context.Context) error
				if sched != nil && cfg.Monitor.Enabled {
					loops = append(loops, sched.Run)
				}
				if sched != nil && cfg.NATS.URL != "" {
					nc, err := nats.Connect(cfg.NATS.URL, nats.Name("pledgeline"))
					if err != nil {
						return fmt.Errorf("connect nats: %w", err)
					}
					defer nc.Drain()
					if _, err := sched.SubscribeNATS(nc, cfg.NATS.MonitorSubject); err != nil {
						return err
					}
					a.Log.Info().Str("subject", cfg.NATS.MonitorSubject).Msg("listening for monitor triggers")
				}
				if len(cfg.Webhooks) > 0 {
					loops = append(loops, a.Relay().Run)
				}
				a.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving pledgeline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
				return serveAll(cmd.Context(), srv, loops...)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// serveAll runs srv and the background loops until ctx is done or one of
// them fails. Cancellation of ctx is a clean stop.
func serveAll(ctx context.Context, srv *http.Server, loops ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	for _, loop := range loops {
		g.Go(func() error {
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func participationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "participation", Short: "Manage campaign participations"}
	var opts engine.StartParticipationOptions
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a participation and create its task list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := actor()
				if opts.DonorID == "" {
					opts.DonorID = a.UserID
					if opts.DonorEmail == "" {
						opts.DonorEmail = a.Email
					}
				}
				res, err := e.StartParticipation(ctx, a, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("participation %s started\n", res.Participation.ID)
				return printTasks(res.Tasks)
			})
		},
	}
	start.Flags().StringVar(&opts.CampaignID, "campaign", "", "campaign id")
	start.Flags().StringVar(&opts.DonorID, "donor", "", "donor user id (default: actor)")
	start.Flags().StringVar(&opts.DonorEmail, "donor-email", "", "donor email")
	start.Flags().StringVar(&opts.OrganizationApproverID, "org-approver", "", "organization approver user id")
	_ = start.MarkFlagRequired("campaign")
	_ = start.MarkFlagRequired("org-approver")
	cmd.AddCommand(start)
	return cmd
}

func legacyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "legacy", Short: "Load donations recorded under the flat structure"}
	var opts engine.LegacyDonationOptions
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import a legacy donation and its task list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ImportLegacyDonation(ctx, actor(), opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("legacy donation linked to participation %s\n", res.Participation.ID)
				return printTasks(res.Tasks)
			})
		},
	}
	imp.Flags().StringVar(&opts.DonationID, "donation", "", "legacy donation id")
	imp.Flags().StringVar(&opts.CampaignID, "campaign", "", "campaign id")
	imp.Flags().StringVar(&opts.DonorID, "donor", "", "donor user id")
	imp.Flags().StringVar(&opts.OrganizationApproverID, "org-approver", "", "organization approver user id")
	imp.Flags().StringVar(&opts.ValuerID, "valuer", "", "bound valuer user id")
	imp.Flags().StringSliceVar(&opts.Completed, "completed", nil, "legacy step keys already completed")
	for _, f := range []string{"donation", "campaign", "donor", "org-approver"} {
		_ = imp.MarkFlagRequired(f)
	}
	cmd.AddCommand(imp)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Work on tasks",
		Long:  "Tasks move blocked -> pending -> in_progress -> completed. Only the assignee (or an admin) may act on a task.",
	}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskStartCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskDecideCmd())
	cmd.AddCommand(taskEnvelopeCmd())
	return cmd
}

func addOwnerFlags(cmd *cobra.Command, kind, id *string) {
	cmd.Flags().StringVar(kind, "owner-kind", string(domain.OwnerParticipant), "owner kind (participant or donation)")
	cmd.Flags().StringVar(id, "owner-id", "", "owner id")
	_ = cmd.MarkFlagRequired("owner-id")
}

func taskListCmd() *cobra.Command {
	var kind, id string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's tasks in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := domain.ParseOwner(kind, id)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListTasks(ctx, actor(), owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				if err := printTasks(list.Tasks); err != nil {
					return err
				}
				if list.Next != nil {
					fmt.Printf("next: %s (%s)\n", list.Next.ID, list.Next.AssignedTo)
				}
				for _, d := range list.Drift {
					fmt.Printf("drift: %s stored %s, effective %s\n", d.TaskID, d.From, d.To)
				}
				return nil
			})
		},
	}
	addOwnerFlags(cmd, &kind, &id)
	return cmd
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Move a pending task to in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.StartTask(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printTaskResult(res)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var documentIDs []string
	var approved, rejected bool
	var notes, payload string
	var value float64
	var currency, report string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.CompleteOptions
			if len(documentIDs) > 0 {
				opts.Upload = &domain.UploadMetadata{DocumentIDs: documentIDs}
			}
			if approved || rejected || notes != "" {
				review := &domain.ReviewMetadata{Notes: notes}
				if approved || rejected {
					ok := approved
					review.Approved = &ok
				}
				opts.Review = review
			}
			if value > 0 || report != "" {
				opts.Appraisal = &domain.AppraisalMetadata{AppraisedValue: value, Currency: currency, ReportDocumentID: report}
			}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &opts.Payload); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteTask(ctx, actor(), args[0], opts)
				if err != nil {
					return err
				}
				return printTaskResult(res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&documentIDs, "document-id", nil, "uploaded document ids")
	cmd.Flags().BoolVar(&approved, "approve", false, "record an approving review")
	cmd.Flags().BoolVar(&rejected, "reject", false, "record a rejecting review")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	cmd.Flags().Float64Var(&value, "appraised-value", 0, "appraised value")
	cmd.Flags().StringVar(&currency, "currency", "USD", "appraisal currency")
	cmd.Flags().StringVar(&report, "report-document-id", "", "appraisal report document id")
	cmd.Flags().StringVar(&payload, "payload", "", "free-form completion payload (JSON object)")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	return cmd
}

func taskDecideCmd() *cobra.Command {
	var in engine.DecisionInput
	var decision string
	cmd := &cobra.Command{
		Use:   "decide <task-id>",
		Short: "Submit the commitment decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Decision = domain.Decision(decision)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitCommitmentDecision(ctx, actor(), args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s\n", res.Task.ID, res.Decision)
				if res.Inserted != nil {
					fmt.Printf("inserted %s\n", res.Inserted.ID)
				}
				if len(res.Rewired) > 0 {
					fmt.Printf("rewired: %s\n", strings.Join(res.Rewired, ", "))
				}
				printUnblocked(res.Unblocked)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "commit_now or commit_after_valuation")
	cmd.Flags().Float64Var(&in.Amount, "amount", 0, "commitment amount (commit_now)")
	cmd.Flags().StringVar(&in.Type, "commitment-type", "", "commitment type (default equity)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func taskEnvelopeCmd() *cobra.Command {
	var envelopeID string
	cmd := &cobra.Command{
		Use:   "envelope <task-id>",
		Short: "Attach an e-signature envelope to a signature task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AttachEnvelope(ctx, actor(), args[0], envelopeID)
				if err != nil {
					return err
				}
				return printTaskResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&envelopeID, "envelope-id", "", "provider envelope id")
	_ = cmd.MarkFlagRequired("envelope-id")
	return cmd
}

func inviteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "invite", Short: "Invite and accept valuers"}

	var kind, id, to string
	create := &cobra.Command{
		Use:   "create",
		Short: "Invite a valuer by email",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := domain.ParseOwner(kind, id)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateInvitation(ctx, actor(), owner, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("invitation %s sent to %s (expires %s)\n", res.Invitation.ID, res.Invitation.InvitedEmail, res.Invitation.ExpiresAt)
				fmt.Printf("accept link: %s\n", res.AcceptURL)
				for _, w := range res.Warnings {
					fmt.Printf("warning: %s\n", w)
				}
				return nil
			})
		},
	}
	addOwnerFlags(create, &kind, &id)
	create.Flags().StringVar(&to, "email", "", "valuer email")
	_ = create.MarkFlagRequired("email")

	accept := &cobra.Command{
		Use:   "accept <token>",
		Short: "Accept an invitation as the actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AcceptInvitation(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.AlreadyAccepted {
					fmt.Println("invitation already accepted")
					return nil
				}
				fmt.Printf("accepted; %d task(s) reassigned\n", res.Reassigned)
				printUnblocked(res.Unblocked)
				return nil
			})
		},
	}
	cmd.AddCommand(create, accept)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <participation-id>",
		Short: "Replace a legacy task list with the versioned structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MigrateTasks(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.AlreadyMigrated {
					fmt.Printf("%s already uses the versioned structure\n", res.Owner)
					return nil
				}
				fmt.Printf("migrated %s: %d deleted, %d created, %d carried over\n",
					res.Owner, res.Deleted, len(res.Created), len(res.CarriedOver))
				return nil
			})
		},
	}
}

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "monitor", Short: "Signature monitor"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Check every open signature task once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				sum, err := a.Monitor().Run(cmd.Context(), "cli")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Envelope", "Outcome", "Provider status", "Detail"})
				for _, r := range sum.Results {
					detail := r.Error
					if detail == "" {
						detail = r.Warning
					}
					tw.AppendRow(table.Row{r.TaskID, r.EnvelopeID, r.Outcome, r.ProviderStatus, detail})
				}
				tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d checked", sum.TotalTasks), fmt.Sprintf("%d completed", sum.Completed), fmt.Sprintf("%d errors", sum.Errors)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(run)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens for the HTTP API"}
	var claims server.TokenClaims
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a token with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			tok, err := server.MintToken(os.Getenv(cfg.Auth.JWTSecretEnv), claims, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	mint.Flags().StringVar(&claims.Subject, "subject", "", "user id")
	mint.Flags().StringVar(&claims.Email, "email", "", "email claim")
	mint.Flags().BoolVar(&claims.EmailVerified, "email-verified", false, "mark the email as verified")
	mint.Flags().StringSliceVar(&claims.Roles, "roles", nil, "role claims")
	mint.Flags().DurationVar(&claims.TTL, "ttl", time.Hour, "token lifetime")
	_ = mint.MarkFlagRequired("subject")
	cmd.AddCommand(mint)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var userID, email, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "pl_" + hex.EncodeToString(raw)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureUser(ctx, tx, userID, email, now); err != nil {
					return err
				}
				rec := domain.APIKey{ID: uuid.NewString(), UserID: userID, Name: name, KeyHash: repo.HashAPIKey(key), CreatedAt: now}
				if err := e.Repo.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "user_id": userID, "key": key})
				}
				fmt.Printf("api key %s for %s:\n%s\n", rec.ID, userID, key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id the key acts as")
	create.Flags().StringVar(&email, "email", "", "user email")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("user")

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter, "user", "", "only keys of this user")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("api key %s revoked\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "pledgeline.yml in the workspace configures the server, monitor, providers, webhooks and logging. Missing keys keep their defaults.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate pledgeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pledgeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every transition appends an event in the same transaction as the change it records.",
	}
	var kind, id string
	var after int64
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show events, optionally for one owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			var owner domain.Owner
			if id != "" {
				o, err := domain.ParseOwner(kind, id)
				if err != nil {
					return err
				}
				owner = o
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, owner, after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Owner", "Task", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.OwnerKind + ":" + evt.OwnerID, evt.TaskID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&kind, "owner-kind", string(domain.OwnerParticipant), "owner kind")
	tail.Flags().StringVar(&id, "owner-id", "", "owner id (default: all owners)")
	tail.Flags().Int64Var(&after, "after", 0, "only events after this id")
	tail.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

// --- helpers ---

func withApp(fn func(*app.App) error) error {
	a, err := app.Open(app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(func(a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(func(a *app.App) error {
		return fn(ctx, a.Engine.Repo)
	})
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Order", "ID", "Title", "Status", "Role", "Assignee", "Depends on"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.Order, t.ID, t.Title, t.Status, t.AssignedRole, t.AssignedTo, strings.Join(t.Dependencies, ", ")})
	}
	tw.Render()
	return nil
}

func printTaskResult(res engine.TaskResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("%s: %s\n", res.Task.ID, res.Task.Status)
	printUnblocked(res.Unblocked)
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}

func printUnblocked(ids []string) {
	if len(ids) > 0 {
		fmt.Printf("unblocked: %s\n", strings.Join(ids, ", "))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
