package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sdline/internal/app"
	"sdline/internal/compliance"
	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/engine"
	"sdline/internal/events"
)

func runCmd() *cobra.Command {
	var (
		phase   string
		force   bool
		session string
	)
	cmd := &cobra.Command{
		Use:   "run <sd-id>",
		Short: "Advance a directive through its phases",
		Long: `Runs from the directive's current phase until the lifecycle completes, a requirement blocks, or the run has to wait:
- pending_evidence: EXEC found no commits referencing the directive yet.
- awaiting_approval: APPROVAL opened a request; decide it with 'sdl approval decide'.
With --phase only that phase runs; --force re-runs it when it is already complete.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RunOptions{Force: force, SessionID: session}
			if phase != "" {
				p, err := domain.ParsePhase(phase)
				if err != nil {
					return err
				}
				opts.Phase = p
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				res, err := w.Engine.Run(ctx, args[0], opts)
				if res.SessionID != "" {
					if viper.GetBool("json") {
						if perr := printJSON(res); perr != nil {
							return perr
						}
					} else {
						renderRun(res)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "run a single phase")
	cmd.Flags().BoolVar(&force, "force", false, "re-run a completed phase, or request approval again after a rejection")
	cmd.Flags().StringVar(&session, "session", "", "session id (generated when empty)")
	return cmd
}

func renderRun(res engine.Result) {
	fmt.Printf("Session %s: %s is %s\n", res.SessionID, res.DirectiveID, res.Outcome)
	if len(res.Completed) > 0 {
		names := make([]string, 0, len(res.Completed))
		for _, p := range res.Completed {
			names = append(names, string(p))
		}
		fmt.Println("Completed: " + strings.Join(names, " -> "))
	}
	if res.Directive.ID != "" {
		fmt.Printf("Now at %s (%s)\n", res.Directive.CurrentPhase, res.Directive.Status)
	}
	renderEntries(res.Decisions)
}

func renderEntries(entries []decision.Entry) {
	if len(entries) == 0 {
		return
	}
	tw := newTable("Time", "Category", "Action", "Reason")
	for _, e := range entries {
		tw.AppendRow(table.Row{e.Timestamp.Format("15:04:05.000"), e.Category, e.Action, e.Reason})
	}
	tw.Render()
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <sd-id>",
		Short: "Score protocol compliance",
		Long:  "Scores handoff completeness, handoff quality, gate compliance, sequence compliance and duration efficiency, then grades the weighted total. Composite directives are scored over all their children.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				dl := decision.NewLogger("", decision.WithDirective(args[0]), decision.WithZap(w.Log.Named("compliance")))
				rep, err := compliance.Evaluate(ctx, w.Aggregator, args[0], dl, w.Metrics)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				renderReport(rep)
				renderEntries(dl.Entries())
				return nil
			})
		},
	}
	return cmd
}

func renderReport(rep compliance.Report) {
	kind := "standalone"
	if rep.Composite {
		kind = fmt.Sprintf("composite, %d units", rep.Units)
	}
	fmt.Printf("%s (%s): %d/100, grade %s, progress %d%%\n", rep.DirectiveID, kind, rep.Overall, rep.Grade, rep.Progress)
	tw := newTable("Dimension", "Score", "Weight", "Details")
	for _, name := range compliance.Dimensions() {
		s := rep.Dimensions[name]
		tw.AppendRow(table.Row{name, s.Score, rep.Weights[name], details(s.Details)})
	}
	tw.AppendFooter(table.Row{"overall", rep.Overall, 100, rep.Grade})
	tw.Render()
	for _, r := range rep.Recommendations {
		fmt.Println("- " + r)
	}
}

func details(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Decision log",
		Long:  "Every automated judgment made during a run, persisted per session.",
	}
	l.AddCommand(logShowCmd())
	l.AddCommand(logExportCmd())
	l.AddCommand(logSessionsCmd())
	return l
}

func logShowCmd() *cobra.Command {
	var q events.Query
	cmd := &cobra.Command{
		Use:   "show [sd-id]",
		Short: "Show logged decisions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				q.DirectiveID = args[0]
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				entries, err := w.Events.List(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				renderEntries(entries)
				summary := decision.Summarize(entries)
				actions := make([]string, 0, len(summary))
				for a, n := range summary {
					actions = append(actions, fmt.Sprintf("%s=%d", a, n))
				}
				sort.Strings(actions)
				fmt.Fprintln(os.Stdout, strings.Join(actions, " "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.SessionID, "session", "", "session filter")
	cmd.Flags().StringVar(&q.Action, "action", "", "action filter (pass, block, warn, already_satisfied, auto_pass)")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum entries")
	return cmd
}

func logExportCmd() *cobra.Command {
	var session, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one session as a JSON audit report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if session == "" {
				return fmt.Errorf("--session required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				entries, err := w.Events.List(ctx, events.Query{SessionID: session})
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					return fmt.Errorf("no decisions recorded for session %s", session)
				}
				data, err := decision.NewReport(session, entries, time.Now().UTC()).JSON()
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(data))
					return nil
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func logSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions <sd-id>",
		Short: "List run sessions of a directive, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				ids, err := w.Events.Sessions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
	return cmd
}
