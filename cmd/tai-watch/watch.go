package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"tai-desktop/internal/models"
	"tai-desktop/internal/session"
	"tai-desktop/internal/stream"
)

func watchAction(kind models.ReportKind) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		articleID, err := parseID(cmd.Args().First())
		if err != nil {
			return err
		}

		conn, err := connect(cmd)
		if err != nil {
			return err
		}
		defer conn.close()

		// Cancelled before the session closes so a blocked send lets the stream callback return
		watchCtx, stop := context.WithCancel(ctx)
		updates := make(chan models.Report, 16)
		s := conn.session(session.EmitterFunc(func(name string, payload interface{}) {
			switch p := payload.(type) {
			case models.Report:
				select {
				case updates <- p:
				case <-watchCtx.Done():
				}
			case session.StreamError:
				fmt.Fprintf(os.Stderr, "stream %s: %s (reconnecting)\n", p.Topic, p.Message)
			}
		}))
		defer s.Close()
		defer stop()

		report, found, err := s.OpenReport(ctx, kind, articleID)
		if err != nil {
			return err
		}
		if !found {
			fmt.Printf("No %s report for article %d yet\n", kind, articleID)
			return nil
		}

		printer := &reportPrinter{w: os.Stdout}
		printer.print(report)
		if report.Status.IsTerminal() {
			return nil
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case r := <-updates:
				printer.print(r)
				if r.IsFinal || r.Status == models.ReportFailed {
					return nil
				}
			}
		}
	}
}

// reportPrinter writes only what changed since the last snapshot
type reportPrinter struct {
	w      io.Writer
	text   string
	status models.ReportStatus
}

func (p *reportPrinter) print(r models.Report) {
	if r.Status != p.status {
		fmt.Fprintf(p.w, "[%s]\n", r.Status)
		p.status = r.Status
	}
	if r.Error != "" && r.Status == models.ReportFailed {
		fmt.Fprintf(p.w, "error: %s\n", r.Error)
	}

	if r.Kind == models.ReportKindStructuredData {
		if r.Data != nil && (r.IsFinal || r.Status.IsTerminal()) {
			out, _ := json.MarshalIndent(r.Data, "", "  ")
			fmt.Fprintln(p.w, string(out))
		}
		return
	}

	// Review snapshots normally extend the previous one; print the new tail
	if strings.HasPrefix(r.Text, p.text) {
		fmt.Fprint(p.w, r.Text[len(p.text):])
	} else {
		fmt.Fprintf(p.w, "\n%s", r.Text)
	}
	p.text = r.Text
	if r.IsFinal {
		fmt.Fprintln(p.w)
	}
}

func eventsAction(ctx context.Context, cmd *cli.Command) error {
	conn, err := connect(cmd)
	if err != nil {
		return err
	}
	defer conn.close()

	s := conn.session(nil)
	defer s.Close()

	_, err = s.Streams().Subscribe(stream.GlobalKey, func(ev stream.Event) {
		fmt.Println(describeEvent(ev))
	}, func(err error) {
		fmt.Fprintf(os.Stderr, "events: %v (reconnecting)\n", err)
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func describeEvent(ev stream.Event) string {
	switch e := ev.(type) {
	case stream.JobUpdateEvent:
		if e.Legacy {
			return fmt.Sprintf("job %s (%s)", strings.ToLower(e.Status), e.TaskType)
		}
		return fmt.Sprintf("job %d %s%s", e.JobID, e.Status, progressSuffix(e.Progress))
	case stream.TaskUpdateEvent:
		return fmt.Sprintf("task %d of job %d %s%s", e.TaskID, e.JobID, e.Status, progressSuffix(e.Progress))
	case stream.HeartbeatEvent:
		return "heartbeat"
	}
	return string(ev.Kind())
}

func progressSuffix(progress *int) string {
	if progress == nil {
		return ""
	}
	return fmt.Sprintf(" %d%%", *progress)
}
