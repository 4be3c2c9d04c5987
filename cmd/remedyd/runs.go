package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/config"
	"github.com/remedyhq/remedy/internal/store"
)

var (
	headerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List remediation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printRuns(os.Stdout)
	},
}

func printRuns(w io.Writer) error {
	cfg := config.Load()
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		var err error
		if dbPath, err = store.DefaultPath(); err != nil {
			return fmt.Errorf("determining database path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer st.Close()

	runs, err := st.ListRuns()
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no runs recorded"))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("ISSUE\tREPOSITORY\tSTATUS\tSTAGE\tPR\tUPDATED"))
	for _, r := range runs {
		fmt.Fprintf(tw, "#%d\t%s/%s\t%s\t%s\t%s\t%s\n",
			r.IssueNumber, r.Owner, r.Repo,
			statusCell(r), stageCell(r), prCell(r),
			r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func statusCell(r store.Run) string {
	switch r.Status {
	case store.StatusCompleted:
		return completedStyle.Render(r.Status)
	case store.StatusFailed:
		return failedStyle.Render(r.Status)
	default:
		return pendingStyle.Render(r.Status)
	}
}

func stageCell(r store.Run) string {
	if r.Status == store.StatusFailed && r.FailedStage != "" {
		return failedStyle.Render(r.FailedStage)
	}
	return r.Stage
}

func prCell(r store.Run) string {
	if r.PRNumber == 0 {
		return dimStyle.Render("-")
	}
	return fmt.Sprintf("#%d", r.PRNumber)
}
