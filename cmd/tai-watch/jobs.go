package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"tai-desktop/internal/models"
	"tai-desktop/internal/services/jobs"
)

func jobsListAction(ctx context.Context, cmd *cli.Command) error {
	s, cleanup, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	list := s.Jobs().Jobs()
	if len(list) == 0 {
		fmt.Println("No jobs")
		return nil
	}
	renderJobsTable(os.Stdout, list, cmd.Bool("tasks"))
	return nil
}

func jobsActionAction(ctx context.Context, cmd *cli.Command) error {
	action := models.Action(cmd.String("action"))
	if !action.IsValid() {
		return fmt.Errorf("unknown action %q (want retry, pause, resume or cancel)", action)
	}

	s, cleanup, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	jobID := cmd.Int("job")
	var taskID *int64
	if cmd.IsSet("task") {
		id := cmd.Int("task")
		taskID = &id
	}

	if err := s.Jobs().ApplyAction(ctx, jobID, taskID, action); err != nil {
		return err
	}

	job, _ := s.Jobs().Job(jobID)
	fmt.Printf("%s sent (expecting %s); job %d is now %s\n", action, action.Target(), jobID, job.Status)
	return nil
}

func jobsParallelismAction(ctx context.Context, cmd *cli.Command) error {
	s, cleanup, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	jobID := cmd.Int("job")
	if err := s.Jobs().SetParallelism(ctx, jobID, int(cmd.Int("value"))); err != nil {
		return err
	}
	fmt.Printf("Job %d parallelism set to %d\n", jobID, cmd.Int("value"))
	return nil
}

func jobsCancelAllAction(ctx context.Context, cmd *cli.Command) error {
	s, cleanup, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := s.Jobs().CancelAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Cancelled %d unfinished jobs\n", n)
	return nil
}

func renderJobsTable(w io.Writer, list []models.Job, withTasks bool) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Status", "Progress", "Parallelism", "Actions", "Created At")

	for _, job := range list {
		table.Append(
			fmt.Sprint(job.ID),
			job.Name,
			string(job.Status),
			fmt.Sprintf("%d%%", job.Progress),
			fmt.Sprint(job.Parallelism),
			actionList(jobs.Available(job, nil)),
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
		if !withTasks {
			continue
		}
		for i := range job.Tasks {
			task := &job.Tasks[i]
			table.Append(
				fmt.Sprintf("  %d", task.ID),
				string(task.TaskType),
				string(task.Status),
				fmt.Sprintf("%d%%", task.Progress),
				"",
				actionList(jobs.Available(job, task)),
				"",
			)
		}
	}

	table.Render()
}

func actionList(actions []models.Action) string {
	out := ""
	for i, a := range actions {
		if i > 0 {
			out += ","
		}
		out += string(a)
	}
	return out
}
