package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/cloudarchive/pkg/archiver"
	"github.com/ethpandaops/cloudarchive/pkg/history"
	"github.com/ethpandaops/cloudarchive/pkg/status"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

var (
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
)

// UI writes human readable command output.
type UI struct {
	Out    io.Writer
	ErrOut io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

// Result prints a control operation outcome.
func (u *UI) Result(res archiver.Result) {
	if res.Success {
		u.Success("%s", res.Message)

		return
	}

	u.Warning("%s", res.Message)
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)

	return table
}

// Status prints a snapshot as a field table followed by recent uploads and
// errors.
func (u *UI) Status(snap status.Snapshot) error {
	state := red("stopped")
	if snap.Running {
		state = green("watching")
	}

	uploading := "no"
	if snap.Uploading {
		uploading = yellow("yes")
	}

	last := "-"
	if snap.LastUploadTime != nil {
		last = snap.LastUploadTime.Local().Format(time.DateTime)
	}

	dir := snap.WatchedDir
	if dir == "" {
		dir = "-"
	}

	table := u.Table([]string{"FIELD", "VALUE"})

	rows := [][]string{
		{"State", state},
		{"Session", cyan(snap.SessionID)},
		{"Directory", dir},
		{"Uploading", uploading},
		{"Total", strconv.Itoa(snap.TotalFiles)},
		{"Uploaded", green(strconv.Itoa(snap.UploadedFiles))},
		{"Failed", failedColor(snap.FailedFiles)},
		{"Queued", strconv.Itoa(snap.QueuedFiles)},
		{"Stabilizing", strconv.Itoa(snap.TrackedFiles)},
		{"Last upload", last},
	}

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}

	if err := table.Render(); err != nil {
		return err
	}

	if len(snap.RecentUploads) > 0 {
		fmt.Fprintln(u.Out)

		recent := u.Table([]string{"FILE", "KEY", "SIZE", "TIME"})

		for _, rec := range snap.RecentUploads {
			if err := recent.Append([]string{
				rec.FileName,
				rec.S3Key,
				units.HumanSize(float64(rec.SizeBytes)),
				rec.UploadTime.Local().Format(time.TimeOnly),
			}); err != nil {
				return err
			}
		}

		if err := recent.Render(); err != nil {
			return err
		}
	}

	if len(snap.Errors) > 0 {
		fmt.Fprintln(u.Out)

		for _, msg := range snap.Errors {
			fmt.Fprintf(u.Out, "%s %s\n", errorPrefix, msg)
		}
	}

	return nil
}

// History prints upload history entries.
func (u *UI) History(entries []history.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(u.Out, "No uploads recorded")

		return nil
	}

	table := u.Table([]string{"TIME", "STATUS", "SOURCE", "PATH", "KEY", "SIZE"})

	for _, e := range entries {
		key := e.Key
		if e.Status == history.StatusFailed {
			key = e.Error
		}

		if err := table.Append([]string{
			e.CreatedAt.Local().Format(time.DateTime),
			historyStatusColor(e.Status),
			e.Source,
			e.RelativePath,
			key,
			units.HumanSize(float64(e.SizeBytes)),
		}); err != nil {
			return err
		}
	}

	return table.Render()
}

func failedColor(n int) string {
	s := strconv.Itoa(n)
	if n > 0 {
		return red(s)
	}

	return s
}

func historyStatusColor(s string) string {
	switch s {
	case history.StatusUploaded:
		return green(s)
	case history.StatusFailed:
		return red(s)
	default:
		return s
	}
}
