// Package conversation turns a user message into a retrieval request in the
// embedded runtime whose result comes back through the bridge's
// HandleDocuments operation.
package conversation

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ragbridge/internal/bridge"
)

// Orchestrator issues retrieval requests. It keeps no per-call state;
// concurrent calls each start an independent retrieval.
type Orchestrator struct {
	runtime bridge.Runtime
	logger  *zap.Logger
}

// New creates an orchestrator evaluating its requests in runtime.
func New(runtime bridge.Runtime, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{runtime: runtime, logger: logger}
}

// ConverseWithContext asks the runtime for the topK documents most relevant to
// message and has it hand them, with contextPrompt, to HandleDocuments. An
// empty message is ignored. topK is passed through unchecked. It returns the
// request id, or "" when nothing was issued.
func (o *Orchestrator) ConverseWithContext(message string, topK int, contextPrompt string) string {
	if message == "" {
		return ""
	}
	if o.runtime == nil {
		o.logger.Warn("no runtime attached, dropping conversation request")
		return ""
	}

	script, err := ConverseScript(message, topK, contextPrompt)
	if err != nil {
		o.logger.Error("failed to build retrieval script", zap.Error(err))
		return ""
	}

	id := uuid.NewString()
	o.logger.Debug("requesting documents",
		zap.String("request_id", id),
		zap.Int("top_k", topK),
		zap.Int("message_bytes", len(message)))

	o.runtime.Evaluate(script)
	return id
}

// ConverseScript renders the runtime call for one retrieval. Strings are
// embedded as JSON literals so any message is safe to splice into script.
func ConverseScript(message string, topK int, contextPrompt string) (string, error) {
	msg, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("quote message: %w", err)
	}
	ctx, err := json.Marshal(contextPrompt)
	if err != nil {
		return "", fmt.Errorf("quote context prompt: %w", err)
	}
	return "fetchDocuments(" + string(msg) + ", " + strconv.Itoa(topK) + ")" +
		".then((documents) => Java." + bridge.OpHandleDocuments + "(documents, " + string(ctx) + "))", nil
}
