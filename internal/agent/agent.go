package agent

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/probelab/capture-agent/config"
	"github.com/probelab/capture-agent/internal/ingest"
	"github.com/probelab/capture-agent/internal/pipeline"
)

// Phase is the agent's lifecycle stage. Transitions are strictly
// idle -> capturing -> uploading -> done; only a process restart resets it.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCapturing Phase = "capturing"
	PhaseUploading Phase = "uploading"
	PhaseDone      Phase = "done"
)

// ConflictError reports a request that does not match the current phase.
type ConflictError struct {
	Current Phase
	msg     string
}

func (e *ConflictError) Error() string { return e.msg }

// runIDPattern restricts run identifiers to a filename-safe charset; the
// run_id is embedded in pcap paths and blob names.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Supervisor abstracts the capture process supervisor.
//
//go:generate mockgen -destination=mock_supervisor.go -package=agent . Supervisor
type Supervisor interface {
	Start(runID string, runners []string) error
	Stop()
}

// Pipeline abstracts the compress/upload/sign pass over a run's captures.
type Pipeline interface {
	Process(ctx context.Context, runID string) pipeline.Result
}

// Notifier abstracts the offsite webhook dispatcher.
type Notifier interface {
	Notify(ctx context.Context, runID string, records []pipeline.ArtifactRecord, failed []string) int
}

// EventShipper abstracts best-effort lifecycle event ingestion. May be nil.
type EventShipper interface {
	Send(ctx context.Context, events []ingest.Event) error
}

// Status is a read-only snapshot of the agent state.
type Status struct {
	Phase           Phase    `json:"phase"`
	RunID           string   `json:"run_id"`
	LastWebhookHTTP *int     `json:"last_webhook_http,omitempty"`
	FailedFiles     []string `json:"failed_files,omitempty"`
}

// Agent owns the lifecycle state machine. All phase and run_id access goes
// through the single mutex; the lock covers only the synchronous portion of
// each transition, never the background upload work.
type Agent struct {
	mu              sync.Mutex
	phase           Phase
	runID           string
	lastWebhookHTTP *int
	failedFiles     []string

	supervisor    Supervisor
	pipeline      Pipeline
	notifier      Notifier
	shipper       EventShipper
	failurePolicy config.FailurePolicy
}

func New(sup Supervisor, pipe Pipeline, notifier Notifier, shipper EventShipper, policy config.FailurePolicy) *Agent {
	return &Agent{
		phase:         PhaseIdle,
		supervisor:    sup,
		pipeline:      pipe,
		notifier:      notifier,
		shipper:       shipper,
		failurePolicy: policy,
	}
}

// Start transitions idle -> capturing and launches the supervised captures.
// Any failure leaves the phase and the process table untouched.
func (a *Agent) Start(runID string, runners []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase != PhaseIdle {
		return &ConflictError{Current: a.phase, msg: fmt.Sprintf("already in phase: %s", a.phase)}
	}
	if !runIDPattern.MatchString(runID) {
		return fmt.Errorf("invalid run_id %q", runID)
	}
	if err := a.supervisor.Start(runID, runners); err != nil {
		return err
	}
	a.phase = PhaseCapturing
	a.runID = runID
	a.ship(runID, PhaseCapturing, fmt.Sprintf("capture started for runners %v", runners))
	return nil
}

// Stop transitions capturing -> uploading. Subprocess termination happens
// synchronously under the lock; compression, upload, and notification run on
// a single background goroutine that eventually publishes the done phase.
func (a *Agent) Stop() (string, error) {
	a.mu.Lock()
	if a.phase != PhaseCapturing {
		defer a.mu.Unlock()
		return "", &ConflictError{Current: a.phase, msg: fmt.Sprintf("not capturing, phase=%s", a.phase)}
	}
	runID := a.runID
	a.supervisor.Stop()
	a.phase = PhaseUploading
	a.mu.Unlock()

	a.ship(runID, PhaseUploading, "captures stopped, uploading")
	go a.finish(runID)
	return runID, nil
}

// Status returns the current state without side effects.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Phase:           a.phase,
		RunID:           a.runID,
		LastWebhookHTTP: a.lastWebhookHTTP,
		FailedFiles:     a.failedFiles,
	}
}

// finish runs the artifact pipeline and the webhook dispatch, then publishes
// the outcome back into the shared state under the lock.
func (a *Agent) finish(runID string) {
	ctx := context.Background()
	res := a.pipeline.Process(ctx, runID)
	status := a.notifier.Notify(ctx, runID, res.Records, res.Failed)

	a.mu.Lock()
	a.lastWebhookHTTP = &status
	a.failedFiles = res.Failed
	blocked := len(res.Failed) > 0 && a.failurePolicy == config.FailurePolicyBlock
	if !blocked {
		a.phase = PhaseDone
	}
	a.mu.Unlock()

	if blocked {
		log.Printf("[capture] run %s: %d file(s) failed and policy is block; holding phase at %s", runID, len(res.Failed), PhaseUploading)
		a.ship(runID, PhaseUploading, fmt.Sprintf("blocked: %d file(s) failed", len(res.Failed)))
		return
	}
	log.Printf("[capture] run %s complete (%d artifacts, webhook=%d), ready for deallocation", runID, len(res.Records), status)
	a.ship(runID, PhaseDone, fmt.Sprintf("%d artifacts uploaded, webhook=%d", len(res.Records), status))
}

// ship sends a lifecycle event without blocking the caller. Failures are
// logged and dropped.
func (a *Agent) ship(runID string, phase Phase, detail string) {
	if a.shipper == nil {
		return
	}
	ev := ingest.Event{
		TimeGenerated: time.Now().UTC().Format(time.RFC3339),
		RunID:         runID,
		Phase:         string(phase),
		Detail:        detail,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.shipper.Send(ctx, []ingest.Event{ev}); err != nil {
			log.Printf("[ingest] failed to ship event: %v", err)
		}
	}()
}
