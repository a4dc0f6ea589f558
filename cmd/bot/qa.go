package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"twbot/internal/config"
	tlog "twbot/internal/persistence/log"
)

var (
	qaCommand string
	qaErrors  bool
	qaStats   bool
)

var qaCmd = &cobra.Command{
	Use:   "qa [dir]",
	Short: "Print the recorded command/response traffic",
	Long: `Reads the compressed QA logs written in qa_mode and prints each command
next to its reply. With --stats only per-command counts and latencies are shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: showQA,
}

func init() {
	qaCmd.Flags().StringVar(&qaCommand, "command", "", "only show this command")
	qaCmd.Flags().BoolVar(&qaErrors, "errors", false, "only show failed replies")
	qaCmd.Flags().BoolVar(&qaStats, "stats", false, "summarize per command instead of listing")
	rootCmd.AddCommand(qaCmd)
}

type qaStat struct {
	sent, ok, failed int
	total            time.Duration
	answered         int
}

func showQA(cmd *cobra.Command, args []string) error {
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	} else {
		cfg, err := config.Load(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			cfg = config.Defaults()
		case err != nil && !errors.Is(err, config.ErrMissingCredentials):
			return fmt.Errorf("config: %w", err)
		}
		dir = cfg.LogFile
	}

	files, err := tlog.ListQAFiles(dir)
	if err != nil {
		return fmt.Errorf("list qa logs: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no qa logs in %s", dir)
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	sent := map[string]tlog.QAEntry{}
	stats := map[string]*qaStat{}
	stat := func(name string) *qaStat {
		s := stats[name]
		if s == nil {
			s = &qaStat{}
			stats[name] = s
		}
		return s
	}

	for _, path := range files {
		err := tlog.ReadQA(path, func(e tlog.QAEntry) error {
			switch e.Direction {
			case tlog.DirSend:
				sent[e.ID] = e
				stat(e.Command).sent++
				if !qaStats && !qaErrors && (qaCommand == "" || qaCommand == e.Command) {
					fmt.Fprintf(tw, "%s\t>>\t%s\t%s\t%s\n", e.TS.Format(time.TimeOnly), e.ID, e.Command, e.Payload)
				}
			case tlog.DirRecv:
				req, known := sent[e.ReplyTo]
				name := e.Command
				if known {
					name = req.Command
					delete(sent, e.ReplyTo)
					s := stat(name)
					s.answered++
					s.total += e.TS.Sub(req.TS)
				}
				if e.Status == "ok" {
					stat(name).ok++
				} else if e.ReplyTo != "" {
					stat(name).failed++
				}
				if qaStats || (qaCommand != "" && qaCommand != name) || (qaErrors && e.Status == "ok") {
					return nil
				}
				fmt.Fprintf(tw, "%s\t<<\t%s\t%s\t%s %s\n", e.TS.Format(time.TimeOnly), e.ReplyTo, e.Type, e.Status, e.Payload)
			}
			return nil
		})
		if err != nil {
			// Keep going: the newest file may still be open for writing.
			fmt.Fprintf(tw, "%s: %v\n", path, err)
		}
	}

	if qaStats {
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(tw, "command\tsent\tok\tfailed\tunanswered\tavg latency")
		for _, name := range names {
			s := stats[name]
			var avg time.Duration
			if s.answered > 0 {
				avg = s.total / time.Duration(s.answered)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", name, s.sent, s.ok, s.failed, s.sent-s.answered, avg.Round(time.Millisecond))
		}
	}
	return tw.Flush()
}
