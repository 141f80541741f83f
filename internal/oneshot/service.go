// Package oneshot handles single inbound execute-script requests.
package oneshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostbeat/agent/internal/model"
	"github.com/hostbeat/agent/internal/script"
)

// Request is one inbound run request.
type Request struct {
	Username    string
	Interpreter string
	Code        string
	TimeLimit   time.Duration
	OperationID string
}

// RunFunc executes a script specification. It matches (*script.Executor).Run.
type RunFunc func(ctx context.Context, spec script.Spec) (script.Outcome, error)

// Service authorizes and executes one-shot script requests, reporting
// exactly one operation result per operation id.
type Service struct {
	allow       model.Allowlist
	run         RunFunc
	outbox      model.Outbox
	outputLimit int
}

func NewService(allow model.Allowlist, run RunFunc, outbox model.Outbox, outputLimit int) *Service {
	return &Service{
		allow:       allow,
		run:         run,
		outbox:      outbox,
		outputLimit: outputLimit,
	}
}

// Execute handles one request. A user failing the allow list check is
// reported as FAILED without spawning anything. Execution failures are
// both reported and returned, so the caller's fault logging sees them.
func (s *Service) Execute(ctx context.Context, req Request) error {
	if !s.allow.Allows(req.Username) {
		slog.WarnContext(ctx, "script execution denied", "username", req.Username)
		return s.respond(ctx, req.OperationID, model.StatusFailed,
			fmt.Sprintf("user %q is not allowed to execute scripts", req.Username), 0)
	}

	outcome, err := s.run(ctx, script.Spec{
		Interpreter: req.Interpreter,
		Code:        req.Code,
		RunAs:       req.Username,
		OutputLimit: s.outputLimit,
		TimeLimit:   req.TimeLimit,
	})
	if err != nil {
		if rerr := s.respond(ctx, req.OperationID, model.StatusFailed, script.Describe(err), 0); rerr != nil {
			return rerr
		}
		return err
	}

	if outcome.Status == script.StatusTimedOut {
		return s.respond(ctx, req.OperationID, model.StatusFailed,
			string(outcome.Output), model.ResultCodeTimedOut)
	}
	return s.respond(ctx, req.OperationID, model.StatusSucceeded, string(outcome.Output), 0)
}

func (s *Service) respond(ctx context.Context, opID, status, text string, code int) error {
	return s.outbox.Send(ctx, model.OperationResult{
		Type:        model.TypeOperationResult,
		Status:      status,
		OperationID: opID,
		ResultText:  text,
		ResultCode:  code,
	})
}
