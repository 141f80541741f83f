package model

import "context"

// Message types exchanged with the control plane. The transport itself is
// not part of this module; inbound commands arrive as decoded JSON and
// outbound messages leave through an Outbox.
const (
	TypeExecuteScript     = "execute-script"
	TypeCustomGraphAdd    = "custom-graph-add"
	TypeCustomGraphRemove = "custom-graph-remove"
	TypeOperationResult   = "operation-result"
	TypeCustomGraph       = "custom-graph"
)

// Operation result statuses.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// ResultCodeTimedOut marks an operation which was killed after exceeding
// its time limit. The partial output is carried in the result text.
const ResultCodeTimedOut = 124

// Command is an inbound request. Fields besides Type and OperationID are
// populated depending on the type.
type Command struct {
	Type        string `json:"type"`
	OperationID string `json:"operation-id"`
	Username    string `json:"username,omitempty"`
	Interpreter string `json:"interpreter,omitempty"`
	Code        string `json:"code,omitempty"`
	GraphID     string `json:"graph-id,omitempty"`
	// TimeLimit is in seconds, zero means no limit.
	TimeLimit int `json:"time-limit,omitempty"`
}

// OperationResult is the single terminal response to a Command,
// correlated by OperationID.
type OperationResult struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	OperationID string `json:"operation-id"`
	ResultText  string `json:"result-text,omitempty"`
	ResultCode  int    `json:"result-code,omitempty"`
}

// Sample is one collected metric value.
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// GraphData is the per-graph portion of a periodic report.
type GraphData struct {
	Error      string   `json:"error"`
	Values     []Sample `json:"values"`
	ScriptHash string   `json:"script-hash"`
}

// GraphReport is the batched periodic payload, keyed by graph id.
type GraphReport struct {
	Type string               `json:"type"`
	Data map[string]GraphData `json:"data"`
}

// Outbox delivers outbound messages. Implementations marshal the message
// and hand it to whatever transport the caller wired in.
type Outbox interface {
	Send(ctx context.Context, msg any) error
}
