package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/handler"
	"github.com/aristath/taskengine/internal/httpapi"
	"github.com/aristath/taskengine/internal/supervisor"
)

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		kind        string
		payload     string
		priority    int
		maxAttempts int
		deps        []string
		keys        []string
		delay       time.Duration
		timeout     time.Duration
		deadline    time.Duration
		dir         string
	)

	cmd := &cobra.Command{
		Use:   "submit [-- command args...]",
		Short: "Submit a task to a running server",
		Long: "Submit a task. Arguments after -- become a command task; " +
			"other kinds take their payload from --payload.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpapi.SubmitRequest{
				Kind:          kind,
				Priority:      priority,
				MaxAttempts:   maxAttempts,
				Dependencies:  deps,
				ExclusiveKeys: keys,
			}
			now := time.Now()
			if delay > 0 {
				runAt := now.Add(delay)
				req.RunAt = &runAt
			}
			if deadline > 0 {
				at := now.Add(delay + deadline)
				req.Deadline = &at
			}
			if timeout > 0 {
				req.Timeout = timeout.String()
			}

			switch {
			case len(args) > 0:
				if kind != handler.KindCommand {
					return fmt.Errorf("command arguments only apply to kind %q", handler.KindCommand)
				}
				raw, err := json.Marshal(handler.CommandPayload{Command: args[0], Args: args[1:], Dir: dir})
				if err != nil {
					return err
				}
				req.Payload = raw
			case payload != "":
				if !json.Valid([]byte(payload)) {
					return errors.New("--payload must be valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			default:
				return errors.New("a payload is required: pass --payload or a command after --")
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			id, err := client.submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", handler.KindCommand, "task kind")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority; higher runs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt ceiling (default engine.default_max_attempts)")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "ids of tasks that must complete first")
	cmd.Flags().StringSliceVar(&keys, "exclusive", nil, "resources the task needs exclusive access to")
	cmd.Flags().DurationVar(&delay, "delay", 0, "hold the task for this long before it may run")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "fail an attempt that runs longer than this; it is retried")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "cancel the task if it has not finished this long after it may start")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for command tasks")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			t, err := client.task(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", t.ID)
			fmt.Fprintf(out, "Kind:      %s\n", t.Kind)
			fmt.Fprintf(out, "State:     %s\n", t.State)
			fmt.Fprintf(out, "Priority:  %d\n", t.Priority)
			fmt.Fprintf(out, "Attempts:  %d/%d\n", t.Attempts, t.MaxAttempts)
			fmt.Fprintf(out, "Enqueued:  %s\n", humanize.Time(t.EnqueuedAt))
			fmt.Fprintf(out, "Updated:   %s\n", humanize.Time(t.UpdatedAt))
			if len(t.Dependencies) > 0 {
				fmt.Fprintf(out, "Depends:   %s\n", strings.Join(t.Dependencies, ", "))
			}
			if t.RunAt != nil {
				fmt.Fprintf(out, "Runs:      %s\n", humanize.Time(*t.RunAt))
			}
			if t.Timeout != "" {
				fmt.Fprintf(out, "Timeout:   %s per attempt\n", t.Timeout)
			}
			if t.Deadline != nil {
				fmt.Fprintf(out, "Deadline:  %s\n", humanize.Time(*t.Deadline))
			}
			if t.LastError != "" {
				fmt.Fprintf(out, "Error:     %s\n", t.LastError)
			}
			return nil
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task and everything depending on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		},
	}
}

func newDeadLettersCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			dls, err := client.deadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(dls) == 0 {
				fmt.Fprintln(out, "No dead letters.")
				return nil
			}
			for _, dl := range dls {
				fmt.Fprintf(out, "- %s [%s] %s after %s, %s: %s\n",
					dl.TaskID, dl.Kind, dl.Reason,
					english.Plural(dl.Attempts, "attempt", "attempts"),
					humanize.Time(dl.DeadLetteredAt), dl.LastError)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func newRedriveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <id>",
		Short: "Resubmit a dead-lettered task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			id, err := client.redrive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var st supervisor.Stats
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/stats", nil, &st); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backlog:  %s\n", humanize.Comma(int64(st.Backlog)))
			fmt.Fprintf(out, "Workers:  %d (%d busy, %d idle, %d dead)\n", st.Workers, st.Busy, st.Idle, st.Dead)
			fmt.Fprintf(out, "Paused:   %t\n", st.Paused)
			fmt.Fprintf(out, "Uptime:   %s\n", st.Uptime.Round(time.Second))
			if st.DroppedEvents > 0 {
				fmt.Fprintf(out, "Dropped:  %s events\n", humanize.Comma(int64(st.DroppedEvents)))
			}

			states := make([]string, 0, len(st.Counts))
			for state := range st.Counts {
				states = append(states, state)
			}
			sort.Strings(states)
			for _, state := range states {
				fmt.Fprintf(out, "  %-14s %s\n", state, humanize.Comma(int64(st.Counts[state])))
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(".taskengine", "config.yaml")
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	configCmd.AddCommand(initCmd)
	return configCmd
}
