package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"clinicrm/internal/app"
	"clinicrm/internal/domain"
	"clinicrm/internal/engine"
	"clinicrm/internal/queue"
	"clinicrm/internal/repo"
)

func leadCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lead", Short: "Manage leads"}
	cmd.AddCommand(leadCreateCmd())
	cmd.AddCommand(leadMoveCmd())
	cmd.AddCommand(leadLostCmd())
	cmd.AddCommand(leadShowCmd())
	cmd.AddCommand(leadAssignCmd())
	cmd.AddCommand(leadListCmd())
	return cmd
}

// runInline drains queued generation jobs when --process is set.
func runInline(ctx context.Context, a *app.App, enabled bool) {
	if !enabled {
		return
	}
	if n, err := a.ProcessPending(ctx); err != nil {
		a.Logger.Warn("inline processing failed", "error", err)
	} else {
		a.Logger.Debug("processed jobs inline", "count", n)
	}
}

func leadCreateCmd() *cobra.Command {
	var id, name, step, responsible string
	var process bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead in a funnel step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CreateLead(ctx, engine.NewLead{
					ID:            id,
					Name:          name,
					StepID:        step,
					ResponsibleID: optionalString(responsible),
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				runInline(ctx, a, process)
				return printResult(res, func() { renderLeadResult(res) })
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "lead id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "lead name")
	cmd.Flags().StringVar(&step, "step", "", "funnel step id")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible user id")
	cmd.Flags().BoolVar(&process, "process", false, "run the generation job before returning (sql queue only)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func leadMoveCmd() *cobra.Command {
	var step string
	var process bool
	cmd := &cobra.Command{
		Use:   "move <lead-id>",
		Short: "Move a lead to another funnel step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.MoveLead(ctx, args[0], step, actorID())
				if err != nil {
					return err
				}
				runInline(ctx, a, process)
				return printResult(res, func() { renderLeadResult(res) })
			})
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "target funnel step id")
	cmd.Flags().BoolVar(&process, "process", false, "run the generation job before returning (sql queue only)")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func leadLostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lost <lead-id>",
		Short: "Mark a lead lost and cancel its open tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.MarkLeadLost(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printResult(res, func() { renderLeadResult(res) })
			})
		},
	}
}

func leadShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <lead-id>",
		Short: "Show a lead with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lead, err := a.Engine.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := a.Engine.GetTasksByLead(ctx, lead.ID)
				if err != nil {
					return err
				}
				out := map[string]any{"lead": lead, "tasks": tasks}
				return printResult(out, func() {
					renderLeads([]domain.Lead{lead})
					renderTasks(tasks)
				})
			})
		},
	}
}

func leadAssignCmd() *cobra.Command {
	var responsible string
	cmd := &cobra.Command{
		Use:   "assign <lead-id>",
		Short: "Set the responsible user of a lead (empty clears it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lead, err := a.Engine.AssignLead(ctx, args[0], optionalString(responsible))
				if err != nil {
					return err
				}
				return printResult(lead, func() { renderLeads([]domain.Lead{lead}) })
			})
		},
	}
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible user id")
	return cmd
}

func leadListCmd() *cobra.Command {
	var f repo.LeadFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				leads, err := a.Engine.Repo.ListLeads(ctx, f)
				if err != nil {
					return err
				}
				return printResult(leads, func() { renderLeads(leads) })
			})
		},
	}
	cmd.Flags().StringVar(&f.CompanyID, "company-id", "", "company filter")
	cmd.Flags().StringVar(&f.StepID, "step", "", "funnel step filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max leads")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage follow-up tasks"}
	cmd.AddCommand(taskGenerateCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskCancelCmd())
	cmd.AddCommand(taskReactivateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskMineCmd())
	cmd.AddCommand(taskStatsCmd())
	return cmd
}

func taskGenerateCmd() *cobra.Command {
	var step string
	cmd := &cobra.Command{
		Use:   "generate <lead-id>",
		Short: "Generate the tasks of a lead's step now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.GenerateTasks(ctx, engine.GenerateRequest{LeadID: args[0], StepID: step, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(res, func() { renderGenerateResult(res) })
			})
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "step id (defaults to the lead's current step)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task and create the next one in the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CompleteTask(ctx, args[0], notes, actorID())
				if err != nil {
					return err
				}
				return printResult(res, func() {
					tasks := []domain.Task{res.Task}
					if res.Next != nil {
						tasks = append(tasks, *res.Next)
					}
					renderTasks(tasks)
					if res.ChainError != "" {
						fmt.Println("chaining failed:", res.ChainError)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var reason, lead string
	cmd := &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel a task, or every open task of a lead with --lead",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (lead == "") == (len(args) == 0) {
				return fmt.Errorf("pass either a task id or --lead")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if lead != "" {
					if reason == "" {
						reason = "cancelled"
					}
					n, err := a.Engine.CancelLeadTasks(ctx, lead, reason, actorID())
					if err != nil {
						return err
					}
					return printResult(map[string]int{"cancelled": n}, func() {
						fmt.Printf("%d task(s) cancelled\n", n)
					})
				}
				t, err := a.Engine.CancelTask(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printResult(t, func() { renderTasks([]domain.Task{t}) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason")
	cmd.Flags().StringVar(&lead, "lead", "", "cancel all open tasks of this lead")
	return cmd
}

func taskReactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate <lead-id>",
		Short: "Regenerate tasks for a lead's current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ReactivateLeadTasks(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printResult(res, func() { renderGenerateResult(res) })
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.TaskStatus(strings.ToUpper(status))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printResult(tasks, func() { renderTasks(tasks) })
			})
		},
	}
	cmd.Flags().StringVar(&f.CompanyID, "company-id", "", "company filter")
	cmd.Flags().StringVar(&f.LeadID, "lead", "", "lead filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max tasks")
	return cmd
}

func taskMineCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Tasks assigned to --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.GetMyTasks(ctx, actorID(), domain.TaskStatus(strings.ToUpper(status)))
				if err != nil {
					return err
				}
				return printResult(tasks, func() { renderTasks(tasks) })
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskStatsCmd() *cobra.Command {
	var start, end, assignee, company string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Task counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := engine.TaskStatsFilter{CompanyID: company, AssigneeID: assignee}
			var err error
			if f.Start, err = parseDateFlag(start); err != nil {
				return err
			}
			if f.End, err = parseDateFlag(end); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.GetTaskStats(ctx, f)
				if err != nil {
					return err
				}
				return printResult(stats, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"Total", "Pending", "Completed", "Overdue", "Cancelled", "Due today", "Completion"})
					tw.AppendRow(table.Row{stats.Total, stats.Pending, stats.Completed, stats.Overdue, stats.Cancelled, stats.DueToday,
						fmt.Sprintf("%.1f%%", stats.CompletionRate*100)})
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "created on or after (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "created before (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&company, "company-id", "", "company filter")
	return cmd
}

func stepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "step", Short: "Manage funnel steps"}
	var id, name string
	var position int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a funnel step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.CreateStep(ctx, domain.FunnelStep{
					ID:        id,
					CompanyID: viper.GetString("company"),
					Name:      name,
					Position:  position,
				})
				if err != nil {
					return err
				}
				return printResult(s, func() { renderSteps([]domain.FunnelStep{s}) })
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "step id (generated when empty)")
	create.Flags().StringVar(&name, "name", "", "step name")
	create.Flags().IntVar(&position, "position", 0, "position in the funnel")
	_ = create.MarkFlagRequired("name")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List funnel steps of --company",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				steps, err := a.Engine.Repo.ListSteps(ctx, viper.GetString("company"))
				if err != nil {
					return err
				}
				return printResult(steps, func() { renderSteps(steps) })
			})
		},
	})
	return cmd
}

type ruleFile struct {
	Rules []engine.RuleInput `yaml:"rules"`
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage the task rules of funnel steps"}
	var step, file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the rule chain of a step from a YAML file",
		Long: `The file holds a "rules" list; each rule has order, title, task_type,
delay_days, delay_type (ABSOLUTE or AFTER_PREVIOUS), assign_type (LEAD_OWNER
or FIXED_USER) and assigned_user_id. Rules missing from the file are
deactivated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var rf ruleFile
			if err := yaml.Unmarshal(data, &rf); err != nil {
				return fmt.Errorf("invalid rules yaml: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules, err := a.Engine.ReplaceStepRules(ctx, step, rf.Rules, actorID())
				if err != nil {
					return err
				}
				return printResult(rules, func() { renderRules(rules) })
			})
		},
	}
	importCmd.Flags().StringVar(&step, "step", "", "funnel step id")
	importCmd.Flags().StringVarP(&file, "file", "f", "", "rules YAML file")
	_ = importCmd.MarkFlagRequired("step")
	_ = importCmd.MarkFlagRequired("file")
	cmd.AddCommand(importCmd)

	var listStep string
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List the rule chain of a step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetStep(ctx, nil, listStep); err != nil {
					return fmt.Errorf("step %s: %w", listStep, err)
				}
				var rules []domain.StageTaskRule
				var err error
				if all {
					rules, err = a.Engine.Repo.ListRulesForStep(ctx, listStep)
				} else {
					rules, err = a.Engine.Repo.ListActiveRulesForStep(ctx, listStep)
				}
				if err != nil {
					return err
				}
				return printResult(rules, func() { renderRules(rules) })
			})
		},
	}
	list.Flags().StringVar(&listStep, "step", "", "funnel step id")
	list.Flags().BoolVar(&all, "all", false, "include inactive rules")
	_ = list.MarkFlagRequired("step")
	cmd.AddCommand(list)
	return cmd
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect automation jobs"}
	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List jobs that ran out of attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs, err := a.Inspector.FailedJobs(ctx, limit)
				if err != nil {
					return err
				}
				return printResult(jobs, func() { renderJobs(jobs) })
			})
		},
	}
	failed.Flags().IntVar(&limit, "limit", 50, "max jobs")
	cmd.AddCommand(failed)
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Inspector.RetryJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(job, func() { renderJobs([]queue.Job{job}) })
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail: lead moves, task creation and transitions, automation failures.",
	}
	var n int
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Limit = n
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printResult(events, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
					for _, e := range events {
						tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
					}
					tw.Render()
				})
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.CompanyID, "company-id", "", "company filter")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (lead, task, step)")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

// --- rendering ---

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func renderLeadResult(res engine.LeadResult) {
	renderLeads([]domain.Lead{res.Lead})
	if res.JobID != "" {
		fmt.Println("generation job:", res.JobID)
	}
	if res.Cancelled > 0 {
		fmt.Printf("%d open task(s) cancelled\n", res.Cancelled)
	}
	for _, w := range res.Warnings {
		fmt.Println("warning:", w)
	}
}

func renderLeads(leads []domain.Lead) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Company", "Step", "Responsible", "In step since"})
	for _, l := range leads {
		responsible := ""
		if l.ResponsibleID != nil {
			responsible = *l.ResponsibleID
		}
		tw.AppendRow(table.Row{l.ID, l.Name, l.CompanyID, l.StepID, responsible, formatTime(l.StepEnteredAt)})
	}
	tw.Render()
}

func renderTasks(tasks []domain.Task) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Assignee", "Due", "Lead"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.TaskType, t.Status, t.AssignedID, formatTime(t.DueDate), t.LeadID})
	}
	tw.Render()
}

func renderGenerateResult(res engine.GenerateResult) {
	if res.PassSkipped != "" {
		fmt.Println("generation skipped:", res.PassSkipped)
		return
	}
	renderTasks(res.Created)
	for _, s := range res.Skipped {
		fmt.Printf("skipped rule %s: %s\n", s.RuleID, s.Reason)
	}
	for _, f := range res.Failures {
		fmt.Printf("failed rule %s: %s\n", f.RuleID, f.Error)
	}
}

func renderSteps(steps []domain.FunnelStep) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Company", "Position"})
	for _, s := range steps {
		tw.AppendRow(table.Row{s.ID, s.Name, s.CompanyID, s.Position})
	}
	tw.Render()
}

func renderRules(rules []domain.StageTaskRule) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Order", "ID", "Title", "Type", "Delay", "Assign", "Active"})
	for _, r := range rules {
		assign := string(r.AssignType)
		if r.AssignedUserID != nil {
			assign += " " + *r.AssignedUserID
		}
		tw.AppendRow(table.Row{r.Order, r.ID, r.Title, r.TaskType, fmt.Sprintf("%dd %s", r.DelayDays, r.DelayType), assign, r.Active})
	}
	tw.Render()
}

func renderJobs(jobs []queue.Job) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempts", "Updated", "Last error"})
	for _, j := range jobs {
		tw.AppendRow(table.Row{j.ID, j.Type, j.Status, j.Attempts, formatTime(j.UpdatedAt), j.LastError})
	}
	tw.Render()
}

func parseDateFlag(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", raw)
}
