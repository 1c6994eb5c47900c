package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadline/internal/app"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/prospect"
	"leadline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "leadline",
	Short: "Leadline CLI",
	Long: `Leadline finds developers who ask for help on GitHub, scores them, and runs
email outreach with them from draft to reply.
Core concepts:
- Workspace: a directory holding leadline.yml and .leadline/leadline.db.
- Leads: scored issue authors; stages go new -> enriched -> contacted -> replied.
- Outreach: one email to one contact; statuses go draft -> queued -> sending -> sent -> delivered/replied -> closed, failed sends can be re-queued.
- Approval: outreach created with approval_required cannot be queued until someone approves it.
- Tasks: tracked background jobs (prospecting, queue drains, monitoring, cleanup) run by 'leadline worker'.
- Provenance: who did what and when, view with 'leadline provenance list'; the transition journal is 'leadline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-format"), viper.GetString("log-level")))
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/leadline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in provenance")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(outreachCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(provenanceCmd())
	rootCmd.AddCommand(monitoringCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(dbCmd())
}

func outreachCmd() *cobra.Command {
	o := &cobra.Command{Use: "outreach", Short: "Manage outreach requests"}
	o.AddCommand(outreachListCmd())
	o.AddCommand(outreachShowCmd())
	o.AddCommand(outreachCreateCmd())
	o.AddCommand(outreachEnqueueCmd())
	o.AddCommand(outreachApproveCmd())
	o.AddCommand(outreachSendCmd())
	o.AddCommand(outreachBulkSendCmd())
	o.AddCommand(outreachStatusCmd())
	o.AddCommand(outreachStatsCmd())
	o.AddCommand(outreachProcessCmd())
	return o
}

func outreachListCmd() *cobra.Command {
	var f repo.OutreachFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outreach requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Engine.ListOutreach(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Contact", "Status", "Subject", "Created"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.ContactEmail, o.Status, truncate(o.Subject, 40), ago(o.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ContactEmail, "contact", "", "contact email filter")
	cmd.Flags().StringVar(&f.DatasetID, "dataset-id", "", "dataset id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func outreachShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an outreach request and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				o, err := s.Engine.GetOutreach(ctx, args[0])
				if err != nil {
					return err
				}
				history, err := s.Engine.OutreachHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"outreach": o, "history": history})
			})
		},
	}
}

func outreachCreateCmd() *cobra.Command {
	var opts engine.CreateOutreachOptions
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an outreach request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ContactEmail == "" {
				return fmt.Errorf("--contact required")
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				opts.ActorID = viper.GetString("actor-id")
				o, err := s.Engine.CreateOutreach(ctx, opts)
				if err != nil {
					return err
				}
				if enqueue && !o.ApprovalRequired {
					if o, err = s.Engine.Enqueue(ctx, o.ID, opts.ActorID); err != nil {
						return err
					}
				}
				return printOutreach(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ContactEmail, "contact", "", "contact email")
	cmd.Flags().StringVar(&opts.ContactName, "contact-name", "", "contact name")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "email subject")
	cmd.Flags().StringVar(&opts.Body, "body", "", "email body")
	cmd.Flags().StringVar(&opts.RequesterEmail, "requester", "", "requester email (default from config)")
	cmd.Flags().StringVar(&opts.RequesterName, "requester-name", "", "requester name")
	cmd.Flags().StringVar(&opts.DatasetID, "dataset-id", "", "dataset id")
	cmd.Flags().StringVar(&opts.LeadID, "lead-id", "", "lead id")
	cmd.Flags().StringVar(&opts.Persona, "persona", "", "persona key")
	cmd.Flags().BoolVar(&opts.ApprovalRequired, "approval-required", false, "require approval before queueing")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue immediately when no approval is required")
	return cmd
}

func outreachEnqueueCmd() *cobra.Command {
	return outreachAction("enqueue <id>", "Queue a draft or failed outreach request", func(ctx context.Context, s *app.Services, id, actor string) (domain.OutreachRequest, error) {
		return s.Engine.Enqueue(ctx, id, actor)
	})
}

func outreachApproveCmd() *cobra.Command {
	return outreachAction("approve <id>", "Approve an outreach request", func(ctx context.Context, s *app.Services, id, actor string) (domain.OutreachRequest, error) {
		return s.Engine.Approve(ctx, id, actor)
	})
}

func outreachSendCmd() *cobra.Command {
	return outreachAction("send <id>", "Send one outreach request now", func(ctx context.Context, s *app.Services, id, actor string) (domain.OutreachRequest, error) {
		return s.Engine.SendOne(ctx, id, actor)
	})
}

func outreachAction(use, short string, fn func(context.Context, *app.Services, string, string) (domain.OutreachRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				o, err := fn(ctx, s, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printOutreach(o)
			})
		},
	}
}

func outreachBulkSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bulk-send <id>...",
		Short: "Send several outreach requests; any invalid id rejects the batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Engine.BulkSend(ctx, args, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func outreachStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Manually move an outreach request along its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, ok := domain.ParseOutreachStatus(args[1])
			if !ok {
				return fmt.Errorf("unknown status %q", args[1])
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				o, err := s.Engine.UpdateStatus(ctx, args[0], to, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printOutreach(o)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the transition")
	return cmd
}

func outreachStatsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Outreach statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				stats, err := s.Engine.Statistics(ctx, days)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "window in days")
	return cmd
}

func outreachProcessCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Drain the outreach queue once in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Engine.DrainQueue(ctx, batch)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch-size", 0, "records per drain (default from config)")
	return cmd
}

func leadCmd() *cobra.Command {
	l := &cobra.Command{Use: "lead", Short: "Manage leads"}
	l.AddCommand(leadListCmd())
	l.AddCommand(leadShowCmd())
	l.AddCommand(leadIngestCmd())
	l.AddCommand(leadProspectCmd())
	l.AddCommand(leadStageCmd())
	l.AddCommand(leadOutreachCmd())
	l.AddCommand(leadStatsCmd())
	return l
}

func leadListCmd() *cobra.Command {
	var f repo.LeadFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Engine.ListLeads(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Repo", "User", "Score", "Stage", "Title", "Created"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.Repo, l.UserLogin, fmt.Sprintf("%.2f", l.NoviceScore), l.Stage, truncate(l.IssueTitle, 40), ago(l.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Repo, "repo", "", "repository filter (owner/name)")
	cmd.Flags().Float64Var(&f.MinScore, "min-score", 0, "minimum novice score")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func leadShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				l, err := s.Engine.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func leadIngestCmd() *cobra.Command {
	var file string
	var repos []string
	var max int
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Score and store candidates from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cands, err := prospect.FileSource{Path: file}.Prospect(cmd.Context(), repos, max)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Engine.IngestCandidates(ctx, cands, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "candidates file")
	cmd.Flags().StringSliceVar(&repos, "repo", nil, "only ingest these repositories")
	cmd.Flags().IntVar(&max, "max-per-repo", 0, "cap per repository")
	return cmd
}

func leadProspectCmd() *cobra.Command {
	var repos []string
	var max int
	var wait bool
	cmd := &cobra.Command{
		Use:   "prospect",
		Short: "Dispatch prospecting for repositories, or run it inline with --wait",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if len(repos) == 0 {
					repos = s.Config.Prospect.Repos
				}
				if len(repos) == 0 {
					return fmt.Errorf("--repo required (or prospecting.repos in config)")
				}
				if !wait {
					d, err := s.Dispatch(ctx, app.JobProspectingRepos, app.ProspectPayload{Repos: repos, MaxPerRepo: max}, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(d)
				}
				if max <= 0 {
					max = s.Config.Prospect.MaxPerRepo
				}
				cands, srcErr := s.Prospector.Prospect(ctx, repos, max)
				if srcErr != nil && len(cands) == 0 {
					return srcErr
				}
				res, err := s.Engine.IngestCandidates(ctx, cands, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := app.ProspectResult{Fetched: len(cands), IngestResult: res}
				if srcErr != nil {
					out.Error = srcErr.Error()
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringSliceVar(&repos, "repo", nil, "repository (owner/name), repeatable")
	cmd.Flags().IntVar(&max, "max-per-repo", 0, "issues per repository")
	cmd.Flags().BoolVar(&wait, "wait", false, "run in this process instead of dispatching a task")
	return cmd
}

func leadStageCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "stage <id> <stage>",
		Short: "Advance a lead to a later stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, ok := domain.ParseLeadStage(args[1])
			if !ok {
				return fmt.Errorf("unknown stage %q", args[1])
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				actor := viper.GetString("actor-id")
				var (
					l   domain.Lead
					err error
				)
				if reset {
					l, err = s.Engine.ResetLeadStage(ctx, args[0], stage, actor)
				} else {
					l, err = s.Engine.AdvanceLeadStage(ctx, args[0], stage, actor)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "allow moving backwards")
	return cmd
}

func leadOutreachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outreach <id>",
		Short: "Compose and send automated outreach to one lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Engine.SendAutomatedOutreach(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func leadStatsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Lead funnel statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				stats, err := s.Engine.LeadStatistics(ctx, days)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "window in days")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Inspect background tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskCancelCmd())
	t.AddCommand(taskLogsCmd())
	t.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range []domain.TaskStatus{domain.TaskPending, domain.TaskRunning, domain.TaskCompleted, domain.TaskFailed} {
					tw.AppendRow(table.Row{st, counts[string(st)]})
				}
				tw.Render()
				return nil
			})
		},
	})
	return t
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				tasks, err := s.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempts", "User", "Created", "Error"})
				for _, t := range tasks {
					errMsg := ""
					if t.ErrorMessage != nil {
						errMsg = truncate(*t.ErrorMessage, 40)
					}
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, t.Attempts, t.UserEmail, ago(t.CreatedAt), errMsg})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "task type filter")
	cmd.Flags().StringVar(&f.UserEmail, "user", "", "user email filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := s.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := s.Engine.CancelTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskLogsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show provenance entries recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				logs, err := s.Engine.TaskLogs(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printProvenance(logs)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 100, "number of entries")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Outreach transition journal"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if follow {
					return followEvents(ctx, r, interval)
				}
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// followEvents prints events appended after the call starts, one JSON line
// each, until ctx ends.
func followEvents(ctx context.Context, r repo.Repo, interval time.Duration) error {
	cursor, err := r.LatestEventID(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		events, err := r.EventsAfter(ctx, 100, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
			cursor = e.ID
		}
	}
}

func provenanceCmd() *cobra.Command {
	p := &cobra.Command{Use: "provenance", Short: "Query the provenance log"}
	p.AddCommand(provenanceListCmd())
	return p
}

func provenanceListCmd() *cobra.Command {
	var f repo.ProvenanceFilters
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provenance entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				f.Since = domain.FormatTime(time.Now().Add(-since))
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProvenance(ctx, f)
				if err != nil {
					return err
				}
				return printProvenance(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Actor, "actor", "", "actor filter")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.ResourceType, "resource-type", "", "resource type filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource-id", "", "resource id filter")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func monitoringCmd() *cobra.Command {
	m := &cobra.Command{Use: "monitoring", Short: "Inbound email monitoring"}
	m.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Report monitoring liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				h, err := s.Reconciler.Health(ctx, s.Config.Features.EmailMonitoring, s.MonitoringInterval())
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Poll the inbox once in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Reconciler.PollInbound(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	var window time.Duration
	missed := &cobra.Command{
		Use:   "check-missed",
		Short: "Look for replies the webhook and poller missed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Reconciler.SweepMissedReplies(ctx, window)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	missed.Flags().DurationVar(&window, "window", 24*time.Hour, "how far back to look")
	m.AddCommand(missed)
	m.AddCommand(&cobra.Command{
		Use:   "create-inbox",
		Short: "Create a provider inbox; set mailer.inbox_id to the printed id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				inbox, err := s.Engine.Mailer.CreateInbox(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(inbox)
			})
		},
	})
	return m
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in leadline.yml in the workspace. Secrets can come from LEADLINE_MAILER_API_KEY, LEADLINE_WEBHOOK_SECRET, LEADLINE_JWT_SECRET, LEADLINE_GITHUB_TOKEN and LEADLINE_BROKER_URL.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default leadline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			key := "ll_" + hex.EncodeToString(buf)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: domain.FormatTime(time.Now()),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "actor_id": actor, "key": key})
				}
				fmt.Printf("API key for %s: %s\n", actor, key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, ago(k.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")
	k.AddCommand(list)

	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return k
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Database maintenance"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Apply pending migrations and report the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				current, latest, err := migrate.Version(r.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"current": current, "latest": latest})
			})
		},
	})
	return d
}

// --- helpers ---

// loadConfig reads the workspace config and applies LEADLINE_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"mailer-api-key":  &cfg.Mailer.APIKey,
		"mailer-inbox-id": &cfg.Mailer.InboxID,
		"webhook-secret":  &cfg.Webhooks.Secret,
		"jwt-secret":      &cfg.Server.JWTSecret,
		"github-token":    &cfg.Prospect.GitHubToken,
		"broker-url":      &cfg.Broker.URL,
		"database-path":   &cfg.Database.Path,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	return cfg, cfg.Validate()
}

// openServices builds the service graph. Short-lived commands write
// provenance synchronously so nothing is lost when the process exits.
func openServices(ctx context.Context, longRunning bool) (*app.Services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    slog.Default(),
		SyncAudit: !longRunning,
	})
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	s, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))
	return fn(ctx, s)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printOutreach(o domain.OutreachRequest) error {
	if viper.GetBool("json") {
		return printJSON(o)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", o.ID},
		{"Contact", o.ContactEmail},
		{"Status", o.Status},
		{"Subject", o.Subject},
		{"Approval", approvalState(o)},
		{"Created", ago(o.CreatedAt)},
	})
	if o.LastError != nil {
		tw.AppendRow(table.Row{"Last error", *o.LastError})
	}
	tw.Render()
	return nil
}

func approvalState(o domain.OutreachRequest) string {
	switch {
	case !o.ApprovalRequired:
		return "not required"
	case o.ApprovedBy != nil:
		return "approved by " + *o.ApprovedBy
	default:
		return "pending"
	}
}

func printProvenance(items []domain.Provenance) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"When", "Actor", "Action", "Resource", "Details"})
	for _, p := range items {
		details := ""
		if len(p.Details) > 0 {
			b, _ := json.Marshal(p.Details)
			details = truncate(string(b), 60)
		}
		resource := p.ResourceType
		if p.ResourceID != "" {
			resource += ":" + p.ResourceID
		}
		tw.AppendRow(table.Row{ago(p.CreatedAt), p.Actor, p.Action, resource, details})
	}
	tw.Render()
	return nil
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

// ago renders a stored timestamp relative to now, or the raw value when it
// does not parse.
func ago(ts string) string {
	t, err := domain.ParseTime(ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
