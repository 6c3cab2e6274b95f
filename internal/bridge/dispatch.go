package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"ragbridge/internal/metrics"
)

var (
	// ErrUnknownOperation reports a call to an operation the bridge does not expose.
	ErrUnknownOperation = errors.New("unknown bridge operation")
	// ErrBadArguments reports a call whose arguments do not match the operation.
	ErrBadArguments = errors.New("bad bridge arguments")
)

// Inbound operation names, as called from the runtime.
const (
	OpGetDatabase      = "GetDatabase"
	OpHandleDocuments  = "HandleDocuments"
	OpFetchedDocuments = "FetchedDocuments"
)

// Call is one inbound message from the runtime: an operation name and a JSON
// array of arguments.
type Call struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

type operation struct {
	arity int
	fn    func(args []string) any
}

func (b *Bridge) operations() map[string]operation {
	return map[string]operation{
		OpGetDatabase: {arity: 0, fn: func([]string) any {
			return b.GetDatabase()
		}},
		OpHandleDocuments: {arity: 2, fn: func(args []string) any {
			b.HandleDocuments(args[0], args[1])
			return nil
		}},
		OpFetchedDocuments: {arity: 1, fn: func(args []string) any {
			b.FetchedDocuments(args[0])
			return nil
		}},
	}
}

// Operations lists the inbound operation names.
func (b *Bridge) Operations() []string {
	names := make([]string, 0, len(b.ops))
	for name := range b.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch validates call against the operation table and runs it. Arguments
// must be a JSON array of exactly the operation's number of strings; an absent
// or null argument list counts as empty. Panics inside an operation are
// recovered and returned as errors.
func (b *Bridge) Dispatch(call Call) (result any, err error) {
	op, ok := b.ops[call.Op]
	if !ok {
		metrics.BridgeOpsTotal.WithLabelValues("unknown", "rejected").Inc()
		b.logger.Warn("rejected bridge call", zap.String("op", call.Op), zap.Error(ErrUnknownOperation))
		return nil, fmt.Errorf("%q: %w", call.Op, ErrUnknownOperation)
	}

	args, err := decodeArgs(call.Args, op.arity)
	if err != nil {
		metrics.BridgeOpsTotal.WithLabelValues(call.Op, "rejected").Inc()
		b.logger.Warn("rejected bridge call", zap.String("op", call.Op), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", call.Op, err)
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.BridgeOpsTotal.WithLabelValues(call.Op, "error").Inc()
			b.logger.Error("panic in bridge operation", zap.String("op", call.Op), zap.Any("panic", r))
			result, err = nil, fmt.Errorf("%s: panic: %v", call.Op, r)
		}
	}()

	result = op.fn(args)
	metrics.BridgeOpsTotal.WithLabelValues(call.Op, "ok").Inc()
	return result, nil
}

func decodeArgs(raw json.RawMessage, arity int) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if arity == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("want %d arguments, got none: %w", arity, ErrBadArguments)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("arguments are not an array: %w", ErrBadArguments)
	}
	if len(items) != arity {
		return nil, fmt.Errorf("want %d arguments, got %d: %w", arity, len(items), ErrBadArguments)
	}

	args := make([]string, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &args[i]); err != nil || string(item) == "null" {
			return nil, fmt.Errorf("argument %d is not a string: %w", i, ErrBadArguments)
		}
	}
	return args, nil
}
