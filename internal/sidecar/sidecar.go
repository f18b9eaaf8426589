// Package sidecar implements the Sidecar Manager (§4.11): starting,
// health-probing, and stopping the per-job semantic-index container.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/jo-hoe/jobserver/internal/common"
	"github.com/jo-hoe/jobserver/internal/jobserr"
)

// Manager starts, probes, and stops the semantic-index sidecar container
// for a job's workspace.
type Manager struct {
	command       string
	probeAddrTmpl string // e.g. "http://127.0.0.1:9000/{{name}}/health"
	httpClient    *http.Client
}

// NewManager builds a Manager that shells out to command (e.g. a
// docker-compose-style CLI) and probes readiness at the templated address.
func NewManager(command, probeAddrTmpl string, probeTimeout time.Duration) *Manager {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Manager{
		command:       command,
		probeAddrTmpl: probeAddrTmpl,
		httpClient:    &http.Client{Timeout: probeTimeout},
	}
}

// ContainerName derives the sidecar's deterministic name from a job id, so
// Stop/Probe can address it without separate bookkeeping.
func ContainerName(jobID string) string {
	return "cidx-" + jobID
}

// Start launches the sidecar bind-mounted to workspacePath, named deterministically from jobID.
func (m *Manager) Start(ctx context.Context, jobID, workspacePath string) error {
	name := ContainerName(jobID)
	if err := runCmd(ctx, m.command, "up", "-d",
		"--name", name,
		"--mount", workspacePath+":/workspace",
	); err != nil {
		return jobserr.Wrap(jobserr.CidxFailed, "start sidecar", err)
	}
	return nil
}

// readinessResponse is the JSON body the sidecar's health endpoint returns.
type readinessResponse struct {
	Subservices map[string]bool `json:"subservices"`
}

// Probe performs a single readiness check. ready is true only when all four
// declared subservices report healthy.
func (m *Manager) Probe(ctx context.Context, jobID string) (bool, map[string]bool, error) {
	addr := strings.ReplaceAll(m.probeAddrTmpl, "{{name}}", ContainerName(jobID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return false, nil, jobserr.Wrap(jobserr.CidxFailed, "build probe request", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, nil, jobserr.Wrap(jobserr.CidxFailed, "probe sidecar", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, nil, jobserr.New(jobserr.CidxFailed, fmt.Sprintf("probe returned status %d", resp.StatusCode))
	}

	var body readinessResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, nil, jobserr.Wrap(jobserr.CidxFailed, "decode probe response", err)
	}

	for _, svc := range []string{
		common.CidxServiceQdrant,
		common.CidxServiceEmbedder,
		common.CidxServiceIndexer,
		common.CidxServiceProxy,
	} {
		if !body.Subservices[svc] {
			return false, body.Subservices, nil
		}
	}
	return true, body.Subservices, nil
}

// WaitReady polls Probe at interval until all subservices are healthy or
// timeout elapses.
func (m *Manager) WaitReady(ctx context.Context, jobID string, timeout, interval time.Duration) (bool, map[string]bool, error) {
	deadline := time.Now().Add(timeout)
	var lastSub map[string]bool
	for {
		ready, sub, err := m.Probe(ctx, jobID)
		lastSub = sub
		if err == nil && ready {
			return true, sub, nil
		}
		if time.Now().After(deadline) {
			return false, lastSub, nil
		}
		select {
		case <-ctx.Done():
			return false, lastSub, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Stop tears down jobID's sidecar container. Idempotent: an already-stopped
// or never-started container is not an error.
func (m *Manager) Stop(ctx context.Context, jobID string) error {
	name := ContainerName(jobID)
	if err := runCmd(ctx, m.command, "down", "--name", name); err != nil {
		if isNotFound(err) {
			return nil
		}
		return jobserr.Wrap(jobserr.CidxFailed, "stop sidecar", err)
	}
	return nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no such")
}

func runCmd(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
