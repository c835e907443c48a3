package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sdline/internal/app"
	"sdline/internal/domain"
	"sdline/internal/pipeline"
)

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pipeline",
		Short: "Process-improvement proposal pipeline",
		Long:  "Tracks approval outcomes of improvement proposals, flags rejection spikes and checks new proposals for conflicts and token budget.",
	}
	p.AddCommand(pipelineRecordCmd())
	p.AddCommand(pipelineSubmitCmd())
	p.AddCommand(pipelineHealthCmd())
	p.AddCommand(pipelineFeedbackCmd())
	p.AddCommand(pipelineConflictsCmd())
	p.AddCommand(pipelineCapacityCmd())
	return p
}

func proposalFlags(cmd *cobra.Command, p *pipeline.Proposal) {
	cmd.Flags().StringVar(&p.ID, "proposal", "", "proposal id")
	cmd.Flags().StringVar(&p.Type, "type", "", "proposal type")
	cmd.Flags().StringVar(&p.Target, "target", "", "what the proposal changes")
	cmd.Flags().StringVar(&p.Content, "content", "", "proposal text")
}

func pipelineRecordCmd() *cobra.Command {
	var (
		p        pipeline.Proposal
		decision string
		category string
		score    float64
		tokens   int
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an approval outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				o, err := w.Pipeline.Record(ctx, domain.ProposalOutcome{
					ProposalID:   p.ID,
					ProposalType: p.Type,
					Target:       p.Target,
					Content:      p.Content,
					Decision:     domain.ProposalDecision(decision),
					Category:     category,
					Score:        score,
					Tokens:       tokens,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				fmt.Printf("Recorded %s: %s", o.ProposalID, o.Decision)
				if o.Category != "" {
					fmt.Printf(" (%s)", o.Category)
				}
				fmt.Println()
				return nil
			})
		},
	}
	proposalFlags(cmd, &p)
	cmd.Flags().StringVar(&decision, "decision", "", "approve, reject or pending")
	cmd.Flags().StringVar(&category, "category", "", "rejection category: "+categoryList())
	cmd.Flags().Float64Var(&score, "score", 0, "proposal score")
	cmd.Flags().IntVar(&tokens, "tokens", 0, "tokens spent")
	return cmd
}

func pipelineSubmitCmd() *cobra.Command {
	var (
		p      pipeline.Proposal
		score  float64
		tokens int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Check a proposal and record it as pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				s, err := w.Pipeline.Submit(ctx, p, tokens, score)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				renderConflicts(s.Conflicts)
				renderCapacity(s.Capacity)
				if !s.Accepted {
					return fmt.Errorf("proposal %s not accepted", p.ID)
				}
				fmt.Printf("Proposal %s recorded as pending\n", p.ID)
				return nil
			})
		},
	}
	proposalFlags(cmd, &p)
	cmd.Flags().Float64Var(&score, "score", 0, "proposal score")
	cmd.Flags().IntVar(&tokens, "tokens", 0, "tokens the proposal will spend")
	return cmd
}

func pipelineHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Approval rate and rejection spikes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				h := w.Pipeline.Health()
				if viper.GetBool("json") {
					return printJSON(h)
				}
				fmt.Printf("%s: %d approved, %d rejected, %d pending (approval rate %.0f%%)\n", h.Status, h.Approved, h.Rejected, h.Pending, h.ApprovalRate*100)
				if len(h.Rejections) > 0 {
					tw := newTable("Category", "Rejections", "Spike")
					for _, c := range h.Rejections {
						spike := ""
						if c.Spike {
							spike = "yes"
						}
						tw.AppendRow(table.Row{c.Category, c.Count, spike})
					}
					tw.Render()
				}
				for _, warn := range h.Warnings {
					fmt.Println("! " + warn)
				}
				return nil
			})
		},
	}
	return cmd
}

func pipelineFeedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Rejections grouped by category with suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				fb := w.Pipeline.Feedback()
				if viper.GetBool("json") {
					return printJSON(fb)
				}
				fmt.Printf("%d rejections\n", fb.TotalRejections)
				tw := newTable("Category", "Count", "Avg score", "Types", "Suggestion")
				for _, c := range fb.Categories {
					tw.AppendRow(table.Row{c.Category, c.Count, fmt.Sprintf("%.2f", c.AverageScore), strings.Join(c.AffectedTypes, ","), c.Suggestion})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func pipelineConflictsCmd() *cobra.Command {
	var p pipeline.Proposal
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Check a proposal against known proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				rep := w.Pipeline.DetectConflicts(p)
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				renderConflicts(rep)
				return nil
			})
		},
	}
	proposalFlags(cmd, &p)
	return cmd
}

func pipelineCapacityCmd() *cobra.Command {
	var tokens int
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Check a token request against today's budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				c := w.Pipeline.CheckCapacity(tokens)
				if viper.GetBool("json") {
					return printJSON(c)
				}
				renderCapacity(c)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&tokens, "tokens", 0, "tokens requested")
	return cmd
}

func renderConflicts(rep pipeline.ConflictReport) {
	fmt.Println("Recommendation: " + rep.Recommendation)
	if len(rep.Conflicts) == 0 {
		return
	}
	tw := newTable("Kind", "With", "Detail")
	for _, c := range rep.Conflicts {
		tw.AppendRow(table.Row{c.Kind, c.With, c.Detail})
	}
	tw.Render()
}

func renderCapacity(c pipeline.Capacity) {
	if c.Unlimited {
		fmt.Printf("Capacity: unlimited (%d used today)\n", c.Used)
		return
	}
	verdict := "allowed"
	if !c.Allowed {
		verdict = "over budget"
	}
	fmt.Printf("Capacity: %s, %d requested, %d of %d used, %d remaining\n", verdict, c.Requested, c.Used, c.Budget, c.Remaining)
}

func categoryList() string {
	names := make([]string, 0, len(pipeline.Categories()))
	for _, c := range pipeline.Categories() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}
