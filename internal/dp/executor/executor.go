// Package executor hands a staged, dispatched run off to its executor
// container over HTTP (spec §4.2.5) and reports the outcome back to the
// control plane.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/constants"
	"github.com/loomrun/loomrun/internal/dp/cpclient"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Handoff posts an ExecutorHandoff to one container's executor URL.
type Handoff struct {
	http *http.Client
	cp   *cpclient.Client
}

// New builds a Handoff client.
func New(cp *cpclient.Client) *Handoff {
	return &Handoff{
		http: &http.Client{Timeout: constants.ExecutorHandoffTimeout},
		cp:   cp,
	}
}

// Send delivers payload to executorURL and, on success, marks the run as
// started on the control plane (spec §4.2.5 steps: POST executor, then
// POST /runs/:id/start). A non-2xx or network error from the executor is
// returned unwrapped so the caller can invoke FailDispatch.
func (h *Handoff) Send(ctx context.Context, executorURL string, payload v1.ExecutorHandoff, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, constants.ExecutorHandoffTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("executor: encode handoff payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, executorURL+"/run", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("executor: build handoff request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return apperr.ExternalServiceUnavailable("executor")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apperr.Internal(fmt.Sprintf("executor handoff rejected (status %d)", resp.StatusCode), nil)
	}

	return h.cp.StartRun(ctx, payload.RunID, workerID)
}

// FailDispatch marks a run as failed after a handoff error, per spec
// §4.2.6. The container-pool slot release is the caller's
// responsibility (internal/dp/container.Pool.Release), since the pool
// outlives any single handoff attempt.
func (h *Handoff) FailDispatch(ctx context.Context, runID, workerID string, cause error) error {
	ctx, cancel := context.WithTimeout(ctx, constants.LocalCancelTimeout)
	defer cancel()
	return h.cp.FailRun(ctx, runID, workerID, cause.Error())
}
