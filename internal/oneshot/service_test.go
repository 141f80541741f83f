package oneshot_test

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/hostbeat/agent/internal/model"
	"github.com/hostbeat/agent/internal/oneshot"
	"github.com/hostbeat/agent/internal/script"

	"github.com/stretchr/testify/require"
)

type recordingOutbox struct {
	mu   sync.Mutex
	sent []any
}

func (o *recordingOutbox) Send(_ context.Context, msg any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

func (o *recordingOutbox) results(t *testing.T) []model.OperationResult {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	var ret []model.OperationResult
	for _, msg := range o.sent {
		res, ok := msg.(model.OperationResult)
		require.True(t, ok, "unexpected message %T", msg)
		ret = append(ret, res)
	}
	return ret
}

func staticRun(outcome script.Outcome, err error) (oneshot.RunFunc, *int) {
	var calls int
	return func(_ context.Context, _ script.Spec) (script.Outcome, error) {
		calls++
		return outcome, err
	}, &calls
}

func TestServiceDeniesUnknownUser(t *testing.T) {
	t.Parallel()

	outbox := &recordingOutbox{}
	run, calls := staticRun(script.Outcome{}, nil)
	svc := oneshot.NewService(model.Allowlist{"alice"}, run, outbox, 1024)

	err := svc.Execute(t.Context(), oneshot.Request{
		Username:    "bob",
		Interpreter: "/bin/sh",
		Code:        "echo hi",
		OperationID: "op-1",
	})
	require.NoError(t, err)
	require.Zero(t, *calls, "no process may be spawned for a denied user")

	results := outbox.results(t)
	require.Len(t, results, 1)
	require.Equal(t, model.StatusFailed, results[0].Status)
	require.Equal(t, "op-1", results[0].OperationID)
	require.Contains(t, results[0].ResultText, `"bob"`)
}

func TestServiceWildcardAllowsAll(t *testing.T) {
	t.Parallel()

	outbox := &recordingOutbox{}
	run, calls := staticRun(script.Outcome{Status: script.StatusSucceeded, Output: []byte("42\n")}, nil)
	svc := oneshot.NewService(model.Allowlist{model.Wildcard}, run, outbox, 1024)

	err := svc.Execute(t.Context(), oneshot.Request{
		Username:    "whoever",
		OperationID: "op-2",
	})
	require.NoError(t, err)
	require.Equal(t, 1, *calls)

	results := outbox.results(t)
	require.Len(t, results, 1)
	require.Equal(t, model.StatusSucceeded, results[0].Status)
	require.Equal(t, "42\n", results[0].ResultText)
}

func TestServiceReportsTimeout(t *testing.T) {
	t.Parallel()

	outbox := &recordingOutbox{}
	run, _ := staticRun(script.Outcome{Status: script.StatusTimedOut, Output: []byte("partial out")}, nil)
	svc := oneshot.NewService(model.Allowlist{"alice"}, run, outbox, 1024)

	err := svc.Execute(t.Context(), oneshot.Request{
		Username:    "alice",
		TimeLimit:   time.Second,
		OperationID: "op-3",
	})
	require.NoError(t, err)

	results := outbox.results(t)
	require.Len(t, results, 1)
	require.Equal(t, model.StatusFailed, results[0].Status)
	require.Equal(t, model.ResultCodeTimedOut, results[0].ResultCode)
	require.Equal(t, "partial out", results[0].ResultText)
}

func TestServiceReportsAndReturnsFailures(t *testing.T) {
	t.Parallel()

	execErr := &script.Error{
		Kind: script.KindUnknownInterpreter,
		Err:  errors.New(`interpreter "/bin/zzz" does not exist`),
	}
	outbox := &recordingOutbox{}
	run, _ := staticRun(script.Outcome{}, execErr)
	svc := oneshot.NewService(model.Allowlist{"alice"}, run, outbox, 1024)

	err := svc.Execute(t.Context(), oneshot.Request{
		Username:    "alice",
		OperationID: "op-4",
	})
	require.ErrorIs(t, err, execErr, "the failure must be re-raised for fault logging")

	results := outbox.results(t)
	require.Len(t, results, 1)
	require.Equal(t, model.StatusFailed, results[0].Status)
	require.Equal(t, `UnknownInterpreter: interpreter "/bin/zzz" does not exist`, results[0].ResultText)
}

func TestServiceEndToEnd(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	outbox := &recordingOutbox{}
	executor := &script.Executor{Dir: t.TempDir()}
	svc := oneshot.NewService(model.Allowlist{model.Wildcard}, executor.Run, outbox, 1024)

	sh, err := exec.LookPath("sh")
	require.NoError(t, err)
	err = svc.Execute(t.Context(), oneshot.Request{
		Username:    "",
		Interpreter: sh,
		Code:        "echo end to end",
		OperationID: "op-5",
	})
	require.NoError(t, err)

	results := outbox.results(t)
	require.Len(t, results, 1)
	require.Equal(t, model.StatusSucceeded, results[0].Status)
	require.Equal(t, "end to end\n", results[0].ResultText)
}
