// Package agent glues inbound control messages to the execution
// services and pushes outbound payloads through an Outbox.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostbeat/agent/internal/graphs"
	"github.com/hostbeat/agent/internal/log"
	"github.com/hostbeat/agent/internal/model"
	"github.com/hostbeat/agent/internal/oneshot"
)

// GraphStore is the mutable registry behind graph add and remove
// commands.
type GraphStore interface {
	Register(ctx context.Context, graphID, owner, interpreter, code string) error
	Remove(ctx context.Context, graphID string) error
}

// Dispatcher routes decoded inbound commands. Every command with an
// operation id produces exactly one operation result on the outbox.
type Dispatcher struct {
	oneshot   *oneshot.Service
	store     GraphStore
	collector *graphs.Collector
	outbox    model.Outbox
	allow     model.Allowlist
}

func NewDispatcher(svc *oneshot.Service, store GraphStore, collector *graphs.Collector, outbox model.Outbox, allow model.Allowlist) *Dispatcher {
	return &Dispatcher{
		oneshot:   svc,
		store:     store,
		collector: collector,
		outbox:    outbox,
		allow:     allow,
	}
}

// Handle routes one inbound command to its service.
func (d *Dispatcher) Handle(ctx context.Context, cmd model.Command) error {
	ctx = log.ContextAttrs(ctx,
		slog.String("type", cmd.Type),
		slog.String("operation_id", cmd.OperationID),
	)

	switch cmd.Type {
	case model.TypeExecuteScript:
		return d.oneshot.Execute(ctx, oneshot.Request{
			Username:    cmd.Username,
			Interpreter: cmd.Interpreter,
			Code:        cmd.Code,
			TimeLimit:   time.Duration(cmd.TimeLimit) * time.Second,
			OperationID: cmd.OperationID,
		})
	case model.TypeCustomGraphAdd:
		return d.handleGraphAdd(ctx, cmd)
	case model.TypeCustomGraphRemove:
		return d.handleGraphRemove(ctx, cmd)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (d *Dispatcher) handleGraphAdd(ctx context.Context, cmd model.Command) error {
	if !d.allow.Allows(cmd.Username) {
		slog.WarnContext(ctx, "graph registration denied", "username", cmd.Username)
		return d.respond(ctx, cmd.OperationID, model.StatusFailed,
			fmt.Sprintf("user %q is not allowed to register scripts", cmd.Username))
	}
	if err := d.store.Register(ctx, cmd.GraphID, cmd.Username, cmd.Interpreter, cmd.Code); err != nil {
		if rerr := d.respond(ctx, cmd.OperationID, model.StatusFailed, err.Error()); rerr != nil {
			return rerr
		}
		return err
	}
	slog.InfoContext(ctx, "graph registered", "graph_id", cmd.GraphID)
	return d.respond(ctx, cmd.OperationID, model.StatusSucceeded, "")
}

// handleGraphRemove is idempotent: removing an unknown graph succeeds.
func (d *Dispatcher) handleGraphRemove(ctx context.Context, cmd model.Command) error {
	if err := d.store.Remove(ctx, cmd.GraphID); err != nil {
		if rerr := d.respond(ctx, cmd.OperationID, model.StatusFailed, err.Error()); rerr != nil {
			return rerr
		}
		return err
	}
	slog.InfoContext(ctx, "graph removed", "graph_id", cmd.GraphID)
	return d.respond(ctx, cmd.OperationID, model.StatusSucceeded, "")
}

// Exchange flushes accumulated graph data and sends the payload when
// there is one.
func (d *Dispatcher) Exchange(ctx context.Context) error {
	report, ok := d.collector.Flush(ctx)
	if !ok {
		return nil
	}
	return d.outbox.Send(ctx, report)
}

func (d *Dispatcher) respond(ctx context.Context, opID, status, text string) error {
	return d.outbox.Send(ctx, model.OperationResult{
		Type:        model.TypeOperationResult,
		Status:      status,
		OperationID: opID,
		ResultText:  text,
	})
}
