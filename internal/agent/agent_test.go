package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/capture-agent/config"
	"github.com/probelab/capture-agent/internal/ingest"
	"github.com/probelab/capture-agent/internal/pipeline"
)

type mockSupervisor struct {
	startCalls int32
	stopCalls  int32
	failStart  bool
}

func (m *mockSupervisor) Start(runID string, runners []string) error {
	atomic.AddInt32(&m.startCalls, 1)
	if m.failStart {
		return errors.New("unknown runner \"wget\"")
	}
	return nil
}

func (m *mockSupervisor) Stop() {
	atomic.AddInt32(&m.stopCalls, 1)
}

type mockPipeline struct {
	calls  int32
	result pipeline.Result
}

func (m *mockPipeline) Process(ctx context.Context, runID string) pipeline.Result {
	atomic.AddInt32(&m.calls, 1)
	return m.result
}

type mockNotifier struct {
	calls      int32
	status     int
	mu         sync.Mutex
	gotRecords []pipeline.ArtifactRecord
	gotFailed  []string
}

func (m *mockNotifier) Notify(ctx context.Context, runID string, records []pipeline.ArtifactRecord, failed []string) int {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.gotRecords = records
	m.gotFailed = failed
	m.mu.Unlock()
	return m.status
}

type mockShipper struct {
	mu     sync.Mutex
	events []ingest.Event
}

func (m *mockShipper) Send(ctx context.Context, events []ingest.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func newTestAgent(sup *mockSupervisor, pipe *mockPipeline, notifier *mockNotifier, policy config.FailurePolicy) *Agent {
	return New(sup, pipe, notifier, nil, policy)
}

func TestStartTransitionsToCapturing(t *testing.T) {
	sup := &mockSupervisor{}
	a := newTestAgent(sup, &mockPipeline{}, &mockNotifier{status: 200}, config.FailurePolicyFlag)

	require.NoError(t, a.Start("r1", []string{"curl"}))
	st := a.Status()
	assert.Equal(t, PhaseCapturing, st.Phase)
	assert.Equal(t, "r1", st.RunID)
	assert.Nil(t, st.LastWebhookHTTP)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sup.startCalls))
}

func TestStartWhileCapturingConflicts(t *testing.T) {
	sup := &mockSupervisor{}
	a := newTestAgent(sup, &mockPipeline{}, &mockNotifier{status: 200}, config.FailurePolicyFlag)
	require.NoError(t, a.Start("r1", []string{"curl"}))

	err := a.Start("r2", []string{"curl"})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, PhaseCapturing, conflict.Current)
	assert.Equal(t, "already in phase: capturing", err.Error())

	// State and process table untouched.
	assert.Equal(t, "r1", a.Status().RunID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sup.startCalls))
}

func TestStartRejectsBadRunID(t *testing.T) {
	sup := &mockSupervisor{}
	a := newTestAgent(sup, &mockPipeline{}, &mockNotifier{}, config.FailurePolicyFlag)

	err := a.Start("../../etc/passwd", []string{"curl"})
	require.Error(t, err)
	var conflict *ConflictError
	assert.False(t, errors.As(err, &conflict), "bad run_id is a protocol error, not a conflict")
	assert.Equal(t, PhaseIdle, a.Status().Phase)
	assert.Equal(t, int32(0), atomic.LoadInt32(&sup.startCalls))
}

func TestStartSupervisorErrorLeavesIdle(t *testing.T) {
	sup := &mockSupervisor{failStart: true}
	a := newTestAgent(sup, &mockPipeline{}, &mockNotifier{}, config.FailurePolicyFlag)

	require.Error(t, a.Start("r1", []string{"wget"}))
	assert.Equal(t, PhaseIdle, a.Status().Phase)
}

func TestStopWhileIdleConflicts(t *testing.T) {
	sup := &mockSupervisor{}
	a := newTestAgent(sup, &mockPipeline{}, &mockNotifier{}, config.FailurePolicyFlag)

	_, err := a.Stop()
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "not capturing, phase=idle", err.Error())
	assert.Equal(t, int32(0), atomic.LoadInt32(&sup.stopCalls))
}

func TestFullLifecycle(t *testing.T) {
	sup := &mockSupervisor{}
	pipe := &mockPipeline{result: pipeline.Result{
		Records: []pipeline.ArtifactRecord{
			{Key: "r1-curl-ipv4.pcap", BlobName: "r1/r1-curl-ipv4.pcap.gz", SizeBytes: 100},
			{Key: "r1-curl-ipv6.pcap", BlobName: "r1/r1-curl-ipv6.pcap.gz", SizeBytes: 80},
		},
	}}
	notifier := &mockNotifier{status: 200}
	a := newTestAgent(sup, pipe, notifier, config.FailurePolicyFlag)

	require.NoError(t, a.Start("r1", []string{"curl"}))

	runID, err := a.Stop()
	require.NoError(t, err)
	assert.Equal(t, "r1", runID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sup.stopCalls))

	// Stop returns before upload/notify complete; phase moves on in the
	// background.
	require.Eventually(t, func() bool {
		return a.Status().Phase == PhaseDone
	}, 2*time.Second, 10*time.Millisecond)

	st := a.Status()
	require.NotNil(t, st.LastWebhookHTTP)
	assert.Equal(t, 200, *st.LastWebhookHTTP)
	assert.Empty(t, st.FailedFiles)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pipe.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&notifier.calls))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Len(t, notifier.gotRecords, 2)
}

func TestWebhookFailureStillReachesDone(t *testing.T) {
	a := newTestAgent(&mockSupervisor{}, &mockPipeline{}, &mockNotifier{status: 0}, config.FailurePolicyFlag)
	require.NoError(t, a.Start("r1", []string{"curl"}))
	_, err := a.Stop()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Status().Phase == PhaseDone
	}, 2*time.Second, 10*time.Millisecond)

	st := a.Status()
	require.NotNil(t, st.LastWebhookHTTP)
	assert.Equal(t, 0, *st.LastWebhookHTTP)
}

func TestPipelineFailureFlagPolicy(t *testing.T) {
	pipe := &mockPipeline{result: pipeline.Result{Failed: []string{"r1-curl-ipv6.pcap"}}}
	notifier := &mockNotifier{status: 200}
	a := newTestAgent(&mockSupervisor{}, pipe, notifier, config.FailurePolicyFlag)
	require.NoError(t, a.Start("r1", []string{"curl"}))
	_, err := a.Stop()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Status().Phase == PhaseDone
	}, 2*time.Second, 10*time.Millisecond)

	st := a.Status()
	assert.Equal(t, []string{"r1-curl-ipv6.pcap"}, st.FailedFiles)
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{"r1-curl-ipv6.pcap"}, notifier.gotFailed)
}

func TestPipelineFailureBlockPolicyHoldsUploading(t *testing.T) {
	pipe := &mockPipeline{result: pipeline.Result{Failed: []string{"r1-curl-ipv4.pcap"}}}
	a := newTestAgent(&mockSupervisor{}, pipe, &mockNotifier{status: 200}, config.FailurePolicyBlock)
	require.NoError(t, a.Start("r1", []string{"curl"}))
	_, err := a.Stop()
	require.NoError(t, err)

	// The webhook status is published even though done is withheld.
	require.Eventually(t, func() bool {
		return a.Status().LastWebhookHTTP != nil
	}, 2*time.Second, 10*time.Millisecond)

	st := a.Status()
	assert.Equal(t, PhaseUploading, st.Phase)
	assert.Equal(t, []string{"r1-curl-ipv4.pcap"}, st.FailedFiles)
}

func TestLifecycleEventsShipped(t *testing.T) {
	shipper := &mockShipper{}
	a := New(&mockSupervisor{}, &mockPipeline{}, &mockNotifier{status: 200}, shipper, config.FailurePolicyFlag)
	require.NoError(t, a.Start("r1", []string{"curl"}))
	_, err := a.Stop()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		shipper.mu.Lock()
		defer shipper.mu.Unlock()
		return len(shipper.events) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	shipper.mu.Lock()
	defer shipper.mu.Unlock()
	phases := make(map[string]bool)
	for _, ev := range shipper.events {
		assert.Equal(t, "r1", ev.RunID)
		phases[ev.Phase] = true
	}
	assert.True(t, phases["capturing"] && phases["uploading"] && phases["done"])
}
