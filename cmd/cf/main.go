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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/gate"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
	"caseflow/internal/server"
	"caseflow/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Caseflow CLI",
	Long: `Caseflow orchestrates gated commands for finance and legal assistants.
Concepts:
- Workspace: the .caseflow directory holding the database; caseflow.yml and
  manifest.yml next to it configure safety policy and the agent catalog.
- Org: the tenant. Every session, command, job, and connector belongs to one.
- Session: long-lived orchestration context, optionally pinned to a chat thread.
- Command: a requested unit of work. Intake runs it through the safety gate;
  rejected commands never persist.
- Job: the claimable record behind a command, served by director, safety, or
  domain workers. Claims are atomic; attempts count every claim.
- Connectors: per-org external system registrations; the capability manifest
  computes which domains they cover.
- Event log: the audit diary, view with 'cf log tail'.`,
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
	viper.SetEnvPrefix("CASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides CASEFLOW_DEFAULT_ORG)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(connectorCmd())
	rootCmd.AddCommand(capabilitiesCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var serviceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caseflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(serviceID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", "caseflow", "service identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func commandCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "command",
		Short: "Manage commands",
		Long:  "Commands are the requested units of work. Submission runs the safety gate; accepted commands queue a claimable job.",
	}
	c.AddCommand(commandSubmitCmd())
	c.AddCommand(commandShowCmd())
	c.AddCommand(commandListCmd())
	c.AddCommand(commandCancelCmd())
	return c
}

func commandSubmitCmd() *cobra.Command {
	var commandType, payloadJSON, sessionID, threadID, objective, workerClass, domainKey, scheduledFor string
	var priority int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a command through the safety gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSONMap(payloadJSON)
			if err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CreateCommandOptions{
					OrgID:        currentOrg(ctx),
					SessionID:    sessionID,
					ThreadID:     threadID,
					Objective:    objective,
					IssuedBy:     viper.GetString("actor-id"),
					CommandType:  commandType,
					Payload:      payload,
					WorkerClass:  workerClass,
					DomainKey:    domainKey,
					ScheduledFor: scheduledFor,
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				out, err := e.CreateCommand(ctx, opts)
				if err != nil {
					return err
				}
				if out.Outcome == "rejected" {
					fmt.Printf("rejected: %s\n", strings.Join(out.Safety.Reasons, "; "))
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&commandType, "type", "", "command type (e.g. tax.prepare_filing)")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "payload as JSON object")
	cmd.Flags().StringVar(&sessionID, "session", "", "existing session id")
	cmd.Flags().StringVar(&threadID, "thread", "", "external thread id")
	cmd.Flags().StringVar(&objective, "objective", "", "session objective for a new session")
	cmd.Flags().StringVar(&workerClass, "worker-class", "", "worker class (director, safety, domain)")
	cmd.Flags().StringVar(&domainKey, "domain", "", "domain key (defaults to the command type prefix)")
	cmd.Flags().StringVar(&scheduledFor, "scheduled-for", "", "RFC3339 schedule time")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower runs first)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func commandShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCommand(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func commandListCmd() *cobra.Command {
	var sessionID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commands in a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCommands(ctx, repo.CommandFilters{
					SessionID: sessionID,
					Status:    status,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TYPE", "STATUS", "PRIORITY", "SCHEDULED", "ISSUED BY"})
				for _, c := range items {
					t.AppendRow(table.Row{c.ID, c.CommandType, c.Status, c.Priority, c.ScheduledFor, c.IssuedBy})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func commandCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CancelCommand(ctx, currentOrg(ctx), args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage sessions"}
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionSetStatusCmd())
	s.AddCommand(sessionObjectiveCmd())
	return s
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Move a session between active, suspended, and closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateSession(ctx, engine.UpdateSessionOptions{
					SessionID: args[0],
					ActorID:   viper.GetString("actor-id"),
					Status:    &status,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status (active, suspended, closed)")
	return cmd
}

func sessionObjectiveCmd() *cobra.Command {
	var objective string
	cmd := &cobra.Command{
		Use:   "set-objective <id>",
		Short: "Set the current session objective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateSession(ctx, engine.UpdateSessionOptions{
					SessionID:        args[0],
					ActorID:          viper.GetString("actor-id"),
					CurrentObjective: &objective,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&objective, "objective", "", "objective text")
	_ = cmd.MarkFlagRequired("objective")
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "job",
		Short: "Claim, complete, and reap jobs",
	}
	j.AddCommand(jobClaimCmd())
	j.AddCommand(jobCompleteCmd())
	j.AddCommand(jobShowCmd())
	j.AddCommand(jobReapCmd())
	return j
}

func jobClaimCmd() *cobra.Command {
	var workerClass string
	var limit int
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Atomically claim eligible jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				envelopes, err := e.ClaimJobs(ctx, engine.ClaimOptions{
					OrgID:       currentOrg(ctx),
					WorkerClass: workerClass,
					ActorID:     viper.GetString("actor-id"),
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(envelopes)
			})
		},
	}
	cmd.Flags().StringVar(&workerClass, "worker-class", "domain", "worker class (director, safety, domain)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max jobs (0 = config default)")
	return cmd
}

func jobCompleteCmd() *cobra.Command {
	var resultJSON string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Submit a job result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result domain.CommandResult
			if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
				return fmt.Errorf("invalid --result: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CompleteJob(ctx, engine.CompleteJobOptions{
					JobID:   args[0],
					ActorID: viper.GetString("actor-id"),
					Result:  result,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&resultJSON, "result", "", "result as JSON (status, output, follow_ups, ...)")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobReapCmd() *cobra.Command {
	var olderThanMinutes, maxAttempts int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Requeue or fail stale running jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ReapOptions{
					OrgID:       currentOrg(ctx),
					ActorID:     viper.GetString("actor-id"),
					MaxAttempts: maxAttempts,
				}
				if olderThanMinutes > 0 {
					opts.OlderThan = time.Duration(olderThanMinutes) * time.Minute
				}
				summary, err := e.ReapStaleJobs(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().IntVar(&olderThanMinutes, "older-than", 0, "claim age in minutes (0 = config default)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (0 = config default)")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Run workers"}
	w.AddCommand(workerRunCmd())
	return w
}

func workerRunCmd() *cobra.Command {
	var domains []string
	var interval int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a local echo worker for the given domains (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(domains) == 0 {
				return fmt.Errorf("--domains required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				registry := worker.NewRegistry()
				for _, d := range domains {
					if err := registry.Register(d, echoExecutor); err != nil {
						return err
					}
				}
				runner := worker.Runner{
					Engine:   e,
					Registry: registry,
					OrgID:    currentOrg(ctx),
					ActorID:  viper.GetString("actor-id"),
					Interval: time.Duration(interval) * time.Second,
				}
				fmt.Printf("Polling domain jobs for %s every %ds (Ctrl-C to stop)\n", strings.Join(domains, ","), interval)
				err := runner.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&domains, "domains", nil, "domain keys to serve")
	cmd.Flags().IntVar(&interval, "interval", 2, "poll interval in seconds")
	return cmd
}

func echoExecutor(_ context.Context, env domain.Envelope) (domain.CommandResult, error) {
	var payload map[string]any
	_ = json.Unmarshal([]byte(env.Command.PayloadJSON), &payload)
	return domain.CommandResult{
		Status: "completed",
		Output: map[string]any{"echo": payload, "command_type": env.Command.CommandType},
	}, nil
}

func connectorCmd() *cobra.Command {
	c := &cobra.Command{Use: "connector", Short: "Manage org connectors"}
	c.AddCommand(connectorRegisterCmd())
	c.AddCommand(connectorListCmd())
	return c
}

func connectorRegisterCmd() *cobra.Command {
	var connType, name, status, configJSON string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update a connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgMap, err := parseJSONMap(configJSON)
			if err != nil {
				return fmt.Errorf("invalid --config: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RegisterConnector(ctx, engine.RegisterConnectorOptions{
					OrgID:   currentOrg(ctx),
					Type:    connType,
					Name:    name,
					Status:  status,
					Config:  cfgMap,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&connType, "type", "", "connector type (erp, tax, accounting, compliance, analytics)")
	cmd.Flags().StringVar(&name, "name", "", "connector name")
	cmd.Flags().StringVar(&status, "status", "", "status (defaults to pending)")
	cmd.Flags().StringVar(&configJSON, "config", "", "connector config as JSON object")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func connectorListCmd() *cobra.Command {
	var connType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListConnectors(ctx, repo.ConnectorFilters{
					OrgID:  currentOrg(ctx),
					Type:   connType,
					Status: status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TYPE", "NAME", "STATUS", "LAST SYNCED"})
				for _, c := range items {
					synced := ""
					if c.LastSyncedAt != nil {
						synced = *c.LastSyncedAt
					}
					t.AppendRow(table.Row{c.ID, c.Type, c.Name, c.Status, synced})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&connType, "type", "", "type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func capabilitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show the capability manifest and connector coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.Capabilities(cmd.Context(), currentOrg(ctx))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"DOMAIN", "REQUIRED", "ACTIVE", "MISSING", "SATISFIED"})
				for _, cov := range view.Coverage {
					t.AppendRow(table.Row{
						cov.DomainKey,
						strings.Join(cov.Required, ","),
						strings.Join(cov.Active, ","),
						strings.Join(cov.Missing, ","),
						cov.Satisfied,
					})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func webhookCmd() *cobra.Command {
	w := &cobra.Command{Use: "webhook", Short: "Manage outbound webhooks"}
	w.AddCommand(webhookAddCmd())
	w.AddCommand(webhookListCmd())
	w.AddCommand(webhookRemoveCmd())
	return w
}

func webhookAddCmd() *cobra.Command {
	var url, secret string
	var eventTypes []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.RegisterWebhook(ctx, engine.RegisterWebhookOptions{
					OrgID:      currentOrg(ctx),
					URL:        url,
					Secret:     secret,
					EventTypes: eventTypes,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "target URL")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	cmd.Flags().StringSliceVar(&eventTypes, "events", nil, "event type filter (empty = all)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func webhookListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWebhooks(ctx, currentOrg(ctx))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func webhookRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteWebhook(ctx, currentOrg(ctx), args[0])
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the raw key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := newRawKey()
				k, err := e.Repo.CreateAPIKey(ctx, currentOrg(ctx), actorID, name, raw)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       k.ID,
					"org_id":   k.OrgID,
					"actor_id": k.ActorID,
					"name":     k.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit diary: intake decisions, claims, completions, connector changes.",
	}
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, currentOrg(ctx), evtType, entityKind, entityID)
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("CASEFLOW_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("CASEFLOW_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Caseflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	orgID, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), r)
	if err != nil {
		return err
	}
	m, err := app.ResolveManifest(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, m, gate.PolicyGate{Config: cfg, Manifest: m})
	return fn(withOrg(ctx, orgID), e)
}

type orgKey struct{}

func withOrg(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgKey{}, orgID)
}

// currentOrg returns the org resolved by withEngine.
func currentOrg(ctx context.Context) string {
	if org, ok := ctx.Value(orgKey{}).(string); ok && org != "" {
		return org
	}
	return "default-org"
}

func parseJSONMap(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func newRawKey() string {
	return "cf_" + uuid.NewString()
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
