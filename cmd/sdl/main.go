package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"sdline/internal/app"
	"sdline/internal/db"
	"sdline/internal/domain"
	"sdline/internal/engine"
	"sdline/internal/logging"
	"sdline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sdl",
	Short: "Strategic Directive lifecycle CLI",
	Long: `sdl moves Strategic Directives through LEAD -> PLAN -> EXEC -> VERIFICATION -> APPROVAL.
- Directive: a unit of work with a type, priority and objectives; children make it a composite.
- Phase: each phase has a requirement list in sdline.yml; every requirement must pass before the phase completes.
- Handoff: the note one phase leaves for the next; the next phase only starts once it is accepted.
- Decision log: every automated judgment, persisted per run session (sdl log show).
- Compliance score: five weighted dimensions graded A-F (sdl score).
- Pipeline: outcomes of process-improvement proposals and their health (sdl pipeline health).`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().String("git-path", "", "repository scanned for EXEC evidence (defaults to the workspace)")
	rootCmd.PersistentFlags().String("git-ref", "", "revision to scan for EXEC evidence (defaults to HEAD)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API bearer tokens")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "git-path", "git-ref", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(directiveCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(prdCmd())
	rootCmd.AddCommand(retroCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func directiveCmd() *cobra.Command {
	d := &cobra.Command{
		Use:     "directive",
		Aliases: []string{"sd"},
		Short:   "Manage Strategic Directives",
	}
	d.AddCommand(directiveCreateCmd())
	d.AddCommand(directiveUpdateCmd())
	d.AddCommand(directiveShowCmd())
	d.AddCommand(directiveListCmd())
	return d
}

func directiveCreateCmd() *cobra.Command {
	var opts engine.DirectiveCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a directive in draft, at LEAD",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				d, err := w.Engine.CreateDirective(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Created %s (%s, %s)\n", d.ID, d.Type, d.CurrentPhase)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "directive id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "feature", "SD type (selects the validation profile)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "critical, high, medium or low")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent directive id")
	cmd.Flags().StringVar(&opts.Metadata.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&opts.Metadata.Objectives, "objective", nil, "objective (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Metadata.SuccessCriteria, "success", nil, "success criterion (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Metadata.Tags, "tag", nil, "tags")
	cmd.Flags().StringVar(&opts.Metadata.EvidencePattern, "evidence-pattern", "", "regexp matched against commit messages instead of the id")
	return cmd
}

func directiveUpdateCmd() *cobra.Command {
	var (
		title, priority, status, description, pattern string
		objectives, tags                              []string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DirectiveUpdateOptions{ID: args[0], AddObjectives: objectives, Tags: tags}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("priority") {
				opts.Priority = &priority
			}
			if flags.Changed("status") {
				s := domain.Status(status)
				opts.Status = &s
			}
			if flags.Changed("description") {
				opts.Description = &description
			}
			if flags.Changed("evidence-pattern") {
				opts.Pattern = &pattern
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				d, err := w.Engine.UpdateDirective(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&priority, "priority", "", "critical, high, medium or low")
	cmd.Flags().StringVar(&status, "status", "", "manual status (draft, approved, in_progress)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&pattern, "evidence-pattern", "", "commit message regexp")
	cmd.Flags().StringArrayVar(&objectives, "objective", nil, "objective to add (repeatable)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags")
	return cmd
}

func directiveShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a directive with its handoffs and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				d, ok, err := w.Repo.GetDirective(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: %s", engine.ErrDirectiveNotFound, args[0])
				}
				handoffs, err := w.Repo.ListHandoffs(ctx, d.ID)
				if err != nil {
					return err
				}
				timeline, err := w.Repo.ListTimeline(ctx, d.ID)
				if err != nil {
					return err
				}
				children, err := w.Repo.ListChildren(ctx, d.ID)
				if err != nil {
					return err
				}
				approval, _, err := w.Repo.GetApprovalStatus(ctx, d.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"directive": d,
						"handoffs":  handoffs,
						"timeline":  timeline,
						"children":  children,
						"approval":  approval,
					})
				}
				fmt.Printf("%s  %s\n", d.ID, d.Title)
				fmt.Printf("Type: %s  Priority: %s  Status: %s", d.Type, d.Priority, d.Status)
				if d.SubState != "" {
					fmt.Printf(" (%s)", d.SubState)
				}
				fmt.Printf("\nPhase: %s  Approval: %s\n", d.CurrentPhase, approval)
				if d.FailureReason != "" {
					fmt.Printf("Failed in %s: %s\n", d.FailurePhase, d.FailureReason)
				}
				for _, o := range d.Metadata.Objectives {
					fmt.Println("  - " + o)
				}
				if len(children) > 0 {
					fmt.Println("Children:")
					for _, c := range children {
						fmt.Printf("  %s [%s, %s]\n", c.ID, c.CurrentPhase, c.Status)
					}
				}
				if len(timeline) > 0 {
					tw := newTable("Phase", "Completed", "Session")
					for _, t := range timeline {
						tw.AppendRow(table.Row{t.Phase, t.CompletedAt.Format(time.RFC3339), t.SessionID})
					}
					tw.Render()
				}
				if len(handoffs) > 0 {
					renderHandoffs(handoffs)
				}
				return nil
			})
		},
	}
	return cmd
}

func directiveListCmd() *cobra.Command {
	var f repo.DirectiveFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				items, err := w.Repo.ListDirectives(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Type", "Phase", "Status", "Priority", "Parent")
				for _, d := range items {
					parent := ""
					if d.ParentID != nil {
						parent = *d.ParentID
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.Type, d.CurrentPhase, d.Status, d.Priority, parent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "children of this directive")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func handoffCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "handoff",
		Short: "Create, accept and reject handoffs",
		Long:  "The orchestrator opens a pending handoff after each phase. A reviewer accepts it (or rejects it) before the next phase can pass its requirements.",
	}
	h.AddCommand(handoffCreateCmd())
	h.AddCommand(handoffDecideCmd("accept", domain.HandoffAccepted))
	h.AddCommand(handoffDecideCmd("reject", domain.HandoffRejected))
	h.AddCommand(handoffListCmd())
	return h
}

func handoffCreateCmd() *cobra.Command {
	var (
		handoffType string
		sections    = map[string]*string{}
		score       int
		passed      bool
	)
	names := []string{"executive_summary", "deliverables_manifest", "key_decisions", "known_issues", "resource_utilization", "action_items", "completeness_report"}
	cmd := &cobra.Command{
		Use:   "create <sd-id>",
		Short: "Record a handoff with its narrative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valid := false
			for _, t := range domain.HandoffSequence() {
				valid = valid || t == handoffType
			}
			if !valid {
				return fmt.Errorf("invalid handoff type %q (want one of %s)", handoffType, strings.Join(domain.HandoffSequence(), ", "))
			}
			text := func(name string) domain.NarrativeField {
				if v := *sections[name]; v != "" {
					return domain.Text(v)
				}
				return nil
			}
			h := domain.Handoff{
				ID:          uuid.NewString(),
				DirectiveID: args[0],
				Type:        handoffType,
				Status:      domain.HandoffPending,
				Narrative: domain.Narrative{
					ExecutiveSummary:     text("executive_summary"),
					DeliverablesManifest: text("deliverables_manifest"),
					KeyDecisions:         text("key_decisions"),
					KnownIssues:          text("known_issues"),
					ResourceUtilization:  text("resource_utilization"),
					ActionItems:          text("action_items"),
					CompletenessReport:   text("completeness_report"),
				},
				ValidationPassed: passed,
				CreatedBy:        viper.GetString("actor-id"),
				CreatedAt:        time.Now().UTC(),
			}
			if cmd.Flags().Changed("score") {
				h.ValidationScore = &score
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				if _, ok, err := w.Repo.GetDirective(ctx, h.DirectiveID); err != nil {
					return err
				} else if !ok {
					return fmt.Errorf("%w: %s", engine.ErrDirectiveNotFound, h.DirectiveID)
				}
				if err := w.Repo.CreateHandoff(ctx, h); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				fmt.Printf("Created handoff %s (%s, %d/%d sections)\n", h.ID, h.Type, h.Narrative.FilledCount(), domain.NarrativeFieldCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&handoffType, "type", "", "LEAD-TO-PLAN, PLAN-TO-EXEC, EXEC-TO-PLAN or PLAN-TO-LEAD")
	for _, name := range names {
		v := new(string)
		sections[name] = v
		cmd.Flags().StringVar(v, strings.ReplaceAll(name, "_", "-"), "", strings.ReplaceAll(name, "_", " "))
	}
	cmd.Flags().IntVar(&score, "score", 0, "validation score")
	cmd.Flags().BoolVar(&passed, "passed", false, "handoff validation passed")
	return cmd
}

func handoffDecideCmd(verb string, status domain.HandoffStatus) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <handoff-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				h, err := w.Repo.SetHandoffStatus(ctx, args[0], status, time.Now().UTC())
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("handoff %s not found", args[0])
				}
				if err != nil {
					return err
				}
				w.Log.Info("handoff decided", zap.String("handoff", h.ID), zap.String("status", string(h.Status)), zap.String("actor", viper.GetString("actor-id")))
				if viper.GetBool("json") {
					return printJSON(h)
				}
				fmt.Printf("Handoff %s (%s) %s\n", h.ID, h.Type, h.Status)
				return nil
			})
		},
	}
	return cmd
}

func handoffListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <sd-id>",
		Short: "List handoffs of a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				items, err := w.Repo.ListHandoffs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderHandoffs(items)
				return nil
			})
		},
	}
	return cmd
}

func renderHandoffs(items []domain.Handoff) {
	tw := newTable("ID", "Type", "Status", "Sections", "Score", "Created")
	for _, h := range items {
		score := "-"
		if h.ValidationScore != nil {
			score = fmt.Sprint(*h.ValidationScore)
		}
		tw.AppendRow(table.Row{h.ID, h.Type, h.Status, fmt.Sprintf("%d/%d", h.Narrative.FilledCount(), domain.NarrativeFieldCount), score, h.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

func prdCmd() *cobra.Command {
	p := &cobra.Command{Use: "prd", Short: "Product requirement documents"}
	var (
		title, status string
		criteria      []string
	)
	set := &cobra.Command{
		Use:   "set <sd-id>",
		Short: "Create or replace the PRD of a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				d, ok, err := w.Repo.GetDirective(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: %s", engine.ErrDirectiveNotFound, args[0])
				}
				if title == "" {
					title = d.Title
				}
				p, err := w.Repo.UpsertPRD(ctx, domain.PRDSummary{
					ID:                 "PRD-" + d.ID,
					DirectiveID:        d.ID,
					Title:              title,
					Status:             status,
					AcceptanceCriteria: criteria,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	set.Flags().StringVar(&title, "title", "", "PRD title (defaults to the directive title)")
	set.Flags().StringVar(&status, "status", "approved", "PRD status")
	set.Flags().StringArrayVar(&criteria, "criteria", nil, "acceptance criterion (repeatable)")
	p.AddCommand(set)
	return p
}

func retroCmd() *cobra.Command {
	r := &cobra.Command{Use: "retro", Short: "Retrospectives"}
	var (
		score   int
		summary string
	)
	add := &cobra.Command{
		Use:   "add <sd-id>",
		Short: "Record a retrospective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if score < 0 || score > 100 {
				return fmt.Errorf("invalid quality score %d: must be 0-100", score)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				rt := domain.Retrospective{
					ID:           uuid.NewString(),
					DirectiveID:  args[0],
					QualityScore: score,
					Summary:      summary,
					CreatedAt:    time.Now().UTC(),
				}
				if err := w.Repo.InsertRetrospective(ctx, rt); err != nil {
					return err
				}
				return printJSONOrTable(rt)
			})
		},
	}
	add.Flags().IntVar(&score, "score", 0, "quality score 0-100")
	add.Flags().StringVar(&summary, "summary", "", "summary")
	r.AddCommand(add)
	return r
}

func approvalCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "approval",
		Short: "Final sign-off requests",
		Long:  "The APPROVAL phase opens a request and waits. Decide it here, then run the directive again.",
	}
	var (
		approve, reject bool
		reason          string
	)
	decide := &cobra.Command{
		Use:   "decide <sd-id>",
		Short: "Approve or reject the pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			status := domain.ApprovalApproved
			if reject {
				status = domain.ApprovalRejected
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				req, err := w.Repo.DecideApproval(ctx, args[0], status, reason, time.Now().UTC())
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("no approval request for %s; run the directive through APPROVAL first", args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	decide.Flags().BoolVar(&approve, "approve", false, "approve")
	decide.Flags().BoolVar(&reject, "reject", false, "reject")
	decide.Flags().StringVar(&reason, "reason", "", "reason")
	show := &cobra.Command{
		Use:   "show <sd-id>",
		Short: "Show the latest request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				req, ok, err := w.Repo.LatestApprovalRequest(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no approval request for %s", args[0])
				}
				return printJSONOrTable(req)
			})
		},
	}
	a.AddCommand(decide)
	a.AddCommand(show)
	return a
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	})
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	w, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		GitPath:   viper.GetString("git-path"),
		GitRef:    viper.GetString("git-ref"),
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
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
