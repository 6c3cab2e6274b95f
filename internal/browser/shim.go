package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"ragbridge/internal/bridge"
)

// Dispatcher runs inbound bridge calls.
type Dispatcher interface {
	Dispatch(call bridge.Call) (any, error)
}

// shimTemplate installs the Java object the bundled script calls into. Each
// method forwards {op, args} to the page binding and returns its promise.
const shimTemplate = `(() => {
  const call = (op, args) => window[%[1]s]({ op, args });
  window.Java = Object.freeze({
%[2]s
  });
})();`

// ShimScript returns the script defining window.Java for binding.
func ShimScript(binding string, ops []string) string {
	name, _ := json.Marshal(binding)

	methods := make([]string, 0, len(ops))
	for _, op := range ops {
		quoted, _ := json.Marshal(op)
		methods = append(methods, fmt.Sprintf("    %s: (...args) => call(%s, args),", op, quoted))
	}
	return fmt.Sprintf(shimTemplate, name, strings.Join(methods, "\n"))
}

// bindingHandler adapts d to a page binding. Every failure is logged and
// returned as a null result so nothing is thrown into page script.
func bindingHandler(d Dispatcher, logger *zap.Logger) func(gson.JSON) (interface{}, error) {
	return func(payload gson.JSON) (interface{}, error) {
		call, err := decodeCall(payload)
		if err != nil {
			logger.Warn("malformed bridge call", zap.Error(err))
			return nil, nil
		}
		result, err := d.Dispatch(call)
		if err != nil {
			logger.Warn("bridge call failed", zap.String("op", call.Op), zap.Error(err))
			return nil, nil
		}
		return result, nil
	}
}

func decodeCall(payload gson.JSON) (bridge.Call, error) {
	if payload.Nil() {
		return bridge.Call{}, fmt.Errorf("empty payload: %w", bridge.ErrBadArguments)
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		return bridge.Call{}, fmt.Errorf("%v: %w", err, bridge.ErrBadArguments)
	}
	var call bridge.Call
	if err := json.Unmarshal(raw, &call); err != nil {
		return bridge.Call{}, fmt.Errorf("%v: %w", err, bridge.ErrBadArguments)
	}
	if call.Op == "" {
		return bridge.Call{}, fmt.Errorf("missing op: %w", bridge.ErrBadArguments)
	}
	return call, nil
}
