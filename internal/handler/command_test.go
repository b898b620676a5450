package handler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskengine/internal/retry"
	"github.com/aristath/taskengine/internal/task"
)

func commandTask(t *testing.T, p CommandPayload) *task.Record {
	t.Helper()
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return &task.Record{ID: "t1", Kind: KindCommand, Payload: payload}
}

func TestCommandHandle(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	tests := []struct {
		name      string
		rec       func(t *testing.T) *task.Record
		wantErr   bool
		permanent bool
		check     func(t *testing.T)
	}{
		{
			name: "success with env and dir",
			rec: func(t *testing.T) *task.Record {
				return commandTask(t, CommandPayload{
					Command: "bash",
					Args:    []string{"-c", `echo "$GREETING" > out.txt`},
					Dir:     dir,
					Env:     map[string]string{"GREETING": "hello"},
				})
			},
			check: func(t *testing.T) {
				data, err := os.ReadFile(out)
				if err != nil {
					t.Fatalf("ReadFile() error = %v", err)
				}
				if strings.TrimSpace(string(data)) != "hello" {
					t.Errorf("out.txt = %q, want hello", data)
				}
			},
		},
		{
			name: "non-zero exit is transient",
			rec: func(t *testing.T) *task.Record {
				return commandTask(t, CommandPayload{Command: "bash", Args: []string{"-c", "exit 2"}})
			},
			wantErr: true,
		},
		{
			name: "missing executable is permanent",
			rec: func(t *testing.T) *task.Record {
				return commandTask(t, CommandPayload{Command: "definitely-not-a-real-binary-xyz"})
			},
			wantErr:   true,
			permanent: true,
		},
		{
			name: "malformed payload is permanent",
			rec: func(t *testing.T) *task.Record {
				return &task.Record{ID: "t1", Kind: KindCommand, Payload: []byte("{not json")}
			},
			wantErr:   true,
			permanent: true,
		},
		{
			name: "empty command is permanent",
			rec: func(t *testing.T) *task.Record {
				return commandTask(t, CommandPayload{Args: []string{"x"}})
			},
			wantErr:   true,
			permanent: true,
		},
	}

	h := NewCommand(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(context.Background(), tt.rec(t))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if got := retry.Classify(err) == retry.Permanent; got != tt.permanent {
					t.Errorf("permanent = %v, want %v (err: %v)", got, tt.permanent, err)
				}
			}
			if tt.check != nil {
				tt.check(t)
			}
		})
	}
}

func TestCommandHandleInterrupted(t *testing.T) {
	pm := NewProcessManager()
	h := NewCommand(pm, nil)

	cause := errors.New("task cancelled")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel(cause)
	}()

	start := time.Now()
	err := h.Handle(ctx, commandTask(t, CommandPayload{Command: "sleep", Args: []string{"30"}}))
	if !errors.Is(err, cause) {
		t.Fatalf("Handle() error = %v, want cause %v", err, cause)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("interrupt took %v", time.Since(start))
	}
	if pm.Count() != 0 {
		t.Errorf("process still tracked after interrupt")
	}
}
