package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskengine/internal/retry"
	"github.com/aristath/taskengine/internal/task"
)

// KindCommand is the task kind served by Command.
const KindCommand = "command"

// CommandPayload is the JSON payload of a command task.
type CommandPayload struct {
	Command string            `json:"command" validate:"required"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Command runs a task's payload as a subprocess. A malformed payload or
// a missing executable is a permanent failure; a non-zero exit is
// transient and will be retried.
type Command struct {
	procs    *ProcessManager
	log      logrus.FieldLogger
	validate *validator.Validate
}

// NewCommand creates a command handler. Subprocesses are tracked by pm.
func NewCommand(pm *ProcessManager, log logrus.FieldLogger) *Command {
	if pm == nil {
		pm = NewProcessManager()
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Command{procs: pm, log: log, validate: validator.New()}
}

// Handle runs the command and waits for it to exit.
func (c *Command) Handle(ctx context.Context, rec *task.Record) error {
	var p CommandPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return retry.MarkPermanent(fmt.Errorf("decode command payload: %w", err))
	}
	if err := c.validate.Struct(p); err != nil {
		return retry.MarkPermanent(fmt.Errorf("invalid command payload: %w", err))
	}

	cmd := newCommand(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(p.Env)...)
	}

	start := time.Now()
	stdout, stderr, err := executeCommand(cmd, c.procs)
	entry := c.log.WithFields(logrus.Fields{
		"task_id":  rec.ID,
		"command":  p.Command,
		"duration": time.Since(start),
		"stdout":   humanize.Bytes(uint64(len(stdout))),
		"stderr":   humanize.Bytes(uint64(len(stderr))),
	})

	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return retry.MarkPermanent(err)
		}
		if cause := context.Cause(ctx); cause != nil {
			return fmt.Errorf("%w: %w", cause, err)
		}
		entry.WithError(err).Debug("command failed")
		return err
	}

	entry.Debug("command finished")
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
