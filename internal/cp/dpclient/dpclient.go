// Package dpclient is the control plane's HTTP client for the
// dispatcher's small internal surface: today, only the best-effort
// cancel notification of spec §4.3.4.
package dpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loomrun/loomrun/internal/common/apperr"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Notifier implements internal/cp/cancel.ExecutorNotifier against the
// dispatcher's HTTP surface.
type Notifier struct {
	baseURL       string
	internalToken string
	http          *http.Client
}

// New builds a Notifier against the dispatcher's base URL
// (config.ServerConfig.DispatcherURL).
func New(baseURL, internalToken string, timeout time.Duration) *Notifier {
	return &Notifier{
		baseURL:       baseURL,
		internalToken: internalToken,
		http:          &http.Client{Timeout: timeout},
	}
}

// NotifyCancel posts req to the dispatcher's /executor/cancel endpoint.
func (n *Notifier) NotifyCancel(ctx context.Context, req v1.ExecutorCancelRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dpclient: encode cancel request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/executor/cancel", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dpclient: build cancel request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Token", n.internalToken)

	resp, err := n.http.Do(httpReq)
	if err != nil {
		return apperr.ExternalServiceUnavailable("dispatcher")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apperr.ExternalServiceUnavailable("dispatcher")
	}
	return nil
}
