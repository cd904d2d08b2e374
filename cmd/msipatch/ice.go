package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/msipatch/internal/ice"
)

var iceCmd = &cobra.Command{
	Use:   "ice [FILE]",
	Short: "Format validation messages read from FILE or standard input",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runICE,
}

var severityColors = map[ice.MessageType]*color.Color{
	ice.Failure:     color.New(color.FgRed, color.Bold),
	ice.Error:       color.New(color.FgRed),
	ice.Warning:     color.New(color.FgYellow),
	ice.Information: color.New(color.FgCyan),
}

func runICE(cmd *cobra.Command, args []string) error {
	var (
		r    io.Reader = cmd.InOrStdin()
		path           = "-"
	)
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r, path = f, args[0]
	}

	messages, errs := ice.ParseAll(r, path)
	for _, err := range errs {
		log.Warn("unreadable validation message", "error", err)
	}

	out := cmd.OutOrStdout()
	failures := 0
	for _, m := range messages {
		writeMessage(out, m)
		if m.Type == ice.Failure || m.Type == ice.Error {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d validation errors", failures)
	}
	return nil
}

func writeMessage(w io.Writer, m ice.Message) {
	c, ok := severityColors[m.Type]
	if !ok {
		c = color.New(color.Reset)
	}
	c.Fprintf(w, "%-11s", m.Type)
	fmt.Fprintf(w, " %s: %s", m.Name, m.Description)
	if m.Table != "" {
		fmt.Fprintf(w, " [%s", m.Table)
		if m.Column != "" {
			fmt.Fprintf(w, ".%s", m.Column)
		}
		if len(m.PrimaryKeys) > 0 {
			fmt.Fprintf(w, " %v", m.PrimaryKeys)
		}
		fmt.Fprint(w, "]")
	}
	if m.URL != "" {
		fmt.Fprintf(w, " (%s)", m.URL)
	}
	fmt.Fprintln(w)
}
