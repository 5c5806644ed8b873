package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/journal"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	Root       *RootOptions
	DB         string
	Limit      int
	Resolution int64
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{Root: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect recorded resolutions",
		Long: `Journal lists the resolutions recorded in a journal database, newest
first. With --resolution it prints the decisions of one resolution
instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the SQLite journal (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of resolutions to list")
	cmd.Flags().Int64Var(&opts.Resolution, "resolution", 0, "show the decisions of this resolution")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// entryReport renders journal entries for both output formats.
type entryReport []journal.Entry

func (r entryReport) String() string {
	if len(r) == 0 {
		return "no resolutions recorded"
	}
	var b strings.Builder
	for _, e := range r {
		fmt.Fprintf(&b, "%d  %s  %s  %d requirements", e.ID, e.StartedAt.Format(time.RFC3339), e.Outcome, e.Requirements)
		if e.Error != "" {
			fmt.Fprintf(&b, "  error=%s", e.Error)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// rowReport renders decision rows for both output formats.
type rowReport []journal.DecisionRow

func (r rowReport) String() string {
	if len(r) == 0 {
		return "no decisions recorded"
	}
	var b strings.Builder
	for _, d := range r {
		fmt.Fprintf(&b, "%d  %-7s", d.Seq, d.Kind)
		if d.Node != "" {
			fmt.Fprintf(&b, " %s", d.Node)
		}
		if d.Deployment != "" {
			fmt.Fprintf(&b, " @ %s/%s", d.Deployment, d.Activity)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func runJournal(cmd *cobra.Command, opts *JournalOptions) error {
	p := newPrinter(cmd, opts.Root)

	j, err := journal.Open(opts.DB)
	if err != nil {
		return unusable("open journal", err)
	}
	defer j.Close()

	if opts.Resolution != 0 {
		rows, err := j.Decisions(cmd.Context(), opts.Resolution)
		if err != nil {
			return unusable("read decisions", err)
		}
		return p.Result(rowReport(rows))
	}

	entries, err := j.Resolutions(cmd.Context(), opts.Limit)
	if err != nil {
		return unusable("read resolutions", err)
	}
	return p.Result(entryReport(entries))
}
