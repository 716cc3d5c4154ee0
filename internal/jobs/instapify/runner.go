package instapify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/pkg/client"
)

// runnerRequest is the JSON envelope written to the runner's stdin. The
// runner starts the actor with the Apify SDK, waits for it and prints the
// dataset as a JSON array on stdout.
type runnerRequest struct {
	ActorID     string `json:"actorId"`
	Token       string `json:"token"`
	Input       any    `json:"input"`
	WaitSeconds int    `json:"waitSeconds"`
}

// subprocessRunner drives the local runner binary. It is the low-overhead
// primary path; every failure mode that indicates a broken installation
// (missing binary, unparseable output) is tagged fallback-eligible so the
// client can switch to REST for good.
type subprocessRunner struct {
	binary string
	token  string
}

func newSubprocessRunner(binary, token string) *subprocessRunner {
	return &subprocessRunner{binary: binary, token: token}
}

// Available reports whether the runner binary can be resolved at all.
func (r *subprocessRunner) Available() bool {
	if r.binary == "" {
		return false
	}
	_, err := exec.LookPath(r.binary)
	return err == nil
}

// Run invokes the runner once. The process is hard-killed at
// waitSeconds + runnerBufferSeconds.
func (r *subprocessRunner) Run(actorID string, input any, waitSeconds int) ([]json.RawMessage, error) {
	path, err := exec.LookPath(r.binary)
	if err != nil {
		return nil, &client.FallbackError{
			Err:            fmt.Errorf("actor runner binary %q not found: %w", r.binary, err),
			ShouldFallback: true,
		}
	}

	payload, err := json.Marshal(runnerRequest{
		ActorID:     actorID,
		Token:       r.token,
		Input:       input,
		WaitSeconds: waitSeconds,
	})
	if err != nil {
		return nil, &client.ClientError{Message: fmt.Sprintf("error marshaling runner request: %v", err)}
	}

	deadline := time.Duration(waitSeconds+runnerBufferSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logrus.Debugf("Starting actor runner %s for %s (deadline %s)", path, actorID, deadline)
	err = cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: runner killed after %s", client.ErrRunTimeout, deadline)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// A clean non-zero exit is a genuine run failure reported by the
			// runner (e.g. quota exceeded), not a broken installation.
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("actor runner exited with code %d", exitErr.ExitCode())
			}
			return nil, &client.ClientError{Message: msg}
		}
		return nil, &client.FallbackError{
			Err:            fmt.Errorf("actor runner failed to start: %w", err),
			ShouldFallback: true,
		}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(stdout.Bytes(), &items); err != nil {
		return nil, &client.FallbackError{
			Err:            fmt.Errorf("actor runner produced malformed output: %w", err),
			ShouldFallback: true,
		}
	}

	logrus.Debugf("Actor runner returned %d items", len(items))
	return items, nil
}
