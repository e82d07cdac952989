package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftbackup/internal/backup"
	"github.com/openmined/syftbackup/internal/config"
)

var (
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))

	noticeBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1)
)

func printSummary(w io.Writer, opts config.Options, s *backup.Summary) {
	var b strings.Builder

	switch s.Outcome {
	case backup.OutcomeStaged:
		b.WriteString(noticeBox.Render(readyForTransport(opts, s)))
		b.WriteString("\n")
		fmt.Fprintln(w, b.String())
		return
	case backup.OutcomeDryRun:
		b.WriteString(cyan.Render("Dry run") + gray.Render(" (nothing transferred)") + "\n")
	default:
		b.WriteString(green.Render("Backup complete") + "\n")
	}

	row := func(label, value string) {
		fmt.Fprintf(&b, "  %s %s\n", gray.Render(fmt.Sprintf("%-12s", label)), value)
	}
	row("archive", s.ArchiveID)
	row("destination", opts.Dest.String())
	row("files", fmt.Sprintf("%d (%d hashed, %d cached)", s.Files, s.Fingerprint.Misses, s.Fingerprint.Hits))
	if s.Plan != nil {
		row("distinct", fmt.Sprintf("%d (%d already archived)", s.Plan.DistinctHashes, s.Plan.KnownPresent+s.Plan.FoundRemote))
		row("to upload", fmt.Sprintf("%d (%s)", len(s.Plan.Candidates), humanize.IBytes(uint64(s.Plan.TotalSize))))
	}
	if s.Outcome == backup.OutcomeCompleted {
		row("uploaded", fmt.Sprintf("%d (%s)", s.Uploaded, humanize.IBytes(uint64(s.UploadedBytes))))
		row("manifest", s.Manifest)
	}
	row("took", s.Duration.Round(time.Millisecond).String())

	fmt.Fprint(w, b.String())
}

func readyForTransport(opts config.Options, s *backup.Summary) string {
	var b strings.Builder
	b.WriteString(green.Render("Ready for transport") + "\n\n")
	if st := s.Staging; st != nil {
		fmt.Fprintf(&b, "%d files (%s) staged from %s\n", st.Copied, humanize.IBytes(uint64(st.Bytes)), st.Device)
		if st.Skipped > 0 {
			fmt.Fprintf(&b, "%d already on the device\n", st.Skipped)
		}
		fmt.Fprintf(&b, "directory %s\n", cyan.Render(opts.Dest.StagingName()))
	}
	fmt.Fprintf(&b, "The device is unmounted. Ingest it at %s, then run again.", opts.Dest.String())
	return b.String()
}
