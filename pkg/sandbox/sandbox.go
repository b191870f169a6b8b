// Package sandbox executes operator-supplied delivery scripts in an
// embedded JavaScript VM. A script exposes a single onDeliver(order,
// config) entry point and produces the content to deliver; the VM gives
// it a read-only order snapshot, its pool's config, hashing and encoding
// utilities, policy-checked HTTP egress, and a capped sleep. Nothing
// else of the host is reachable.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultBudget is the wall-clock budget for one script run.
const DefaultBudget = 10 * time.Second

const resultSchemaJSON = `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success": {"type": "boolean"},
		"message": {"type": "string"},
		"items": {
			"type": "array",
			"items": {
				"anyOf": [
					{"type": "string"},
					{
						"type": "object",
						"required": ["content"],
						"properties": {
							"content": {"type": "string"},
							"remark": {"type": "string"}
						}
					}
				]
			}
		}
	}
}`

var resultSchema = jsonschema.MustCompileString("result.json", resultSchemaJSON)

// DeliveredItem is one unit of content a script produced.
type DeliveredItem struct {
	Content string
	Remark  string
}

// Outcome is a successful script run. CountMismatch flags a run that
// produced a different number of items than the order asked for; the
// items are accepted anyway and the mismatch surfaced to operators.
type Outcome struct {
	Items         []DeliveredItem
	Message       string
	CountMismatch bool
}

// Engine compiles and runs delivery scripts.
type Engine struct {
	egress *EgressClient
	budget time.Duration
	clock  func() time.Time
	log    *slog.Logger
}

// New builds an engine. A nil egress client gets a default one with the
// full policy enabled.
func New(egress *EgressClient, budget time.Duration, log *slog.Logger) *Engine {
	if egress == nil {
		egress = NewEgressClient(0)
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		egress: egress,
		budget: budget,
		clock:  time.Now,
		log:    log.With("component", "sandbox"),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Execute runs a script's onDeliver for one order and returns the parsed
// outcome. All failures come back as *Error with a machine code.
func (e *Engine) Execute(ctx context.Context, script string, order OrderView, config map[string]any, quantity int) (*Outcome, error) {
	program, err := goja.Compile("delivery.js", script, true)
	if err != nil {
		return nil, newError(CodeSyntax, "script does not parse", err)
	}
	if config == nil {
		config = map[string]any{}
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	runCtx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt("execution budget exhausted")
		case <-watchDone:
		}
	}()

	if err := e.installHostAPI(runCtx, vm, order, config, e.log); err != nil {
		return nil, newError(CodeRuntime, "host api setup failed", err)
	}

	if _, err := vm.RunProgram(program); err != nil {
		return nil, classifyRunErr(err, "script body failed")
	}

	handler, ok := goja.AssertFunction(vm.Get("onDeliver"))
	if !ok {
		return nil, newError(CodeNoHandler, "script defines no onDeliver function", nil)
	}

	raw, err := handler(goja.Undefined(), vm.Get("order"), vm.Get("config"))
	if err != nil {
		return nil, classifyRunErr(err, "onDeliver threw")
	}

	return e.parseResult(raw, quantity)
}

func classifyRunErr(err error, msg string) *Error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return newError(CodeTimeout, "script exceeded its execution budget", err)
	}
	return newError(CodeRuntime, msg, err)
}

// parseResult validates and normalizes the value onDeliver returned. The
// value is round-tripped through JSON so only plain data survives.
func (e *Engine) parseResult(raw goja.Value, quantity int) (*Outcome, error) {
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return nil, newError(CodeBadResult, "onDeliver returned nothing", nil)
	}

	encoded, err := json.Marshal(raw.Export())
	if err != nil {
		return nil, newError(CodeBadResult, "result is not plain data", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, newError(CodeBadResult, "result is not plain data", err)
	}
	if err := resultSchema.Validate(decoded); err != nil {
		return nil, newError(CodeBadResult, "result shape is invalid", err)
	}

	result := decoded.(map[string]any)
	if success, _ := result["success"].(bool); !success {
		message, _ := result["message"].(string)
		if message == "" {
			message = "script reported failure"
		}
		return nil, newError(CodeFailed, message, nil)
	}

	outcome := &Outcome{}
	outcome.Message, _ = result["message"].(string)

	entries, _ := result["items"].([]any)
	for _, entry := range entries {
		var item DeliveredItem
		switch v := entry.(type) {
		case string:
			item.Content = v
		case map[string]any:
			item.Content, _ = v["content"].(string)
			item.Remark, _ = v["remark"].(string)
		}
		if strings.TrimSpace(item.Content) == "" {
			continue
		}
		outcome.Items = append(outcome.Items, item)
	}

	if len(outcome.Items) == 0 {
		return nil, newError(CodeBadResult, "script succeeded but produced no content", nil)
	}
	if len(outcome.Items) != quantity {
		outcome.CountMismatch = true
		e.log.Warn("script item count mismatch",
			"want", quantity, "got", len(outcome.Items))
	}
	return outcome, nil
}

// Check compiles a script without running it, for admin-side validation
// on save.
func Check(script string) error {
	if _, err := goja.Compile("delivery.js", script, true); err != nil {
		return newError(CodeSyntax, "script does not parse", err)
	}
	if !strings.Contains(script, "onDeliver") {
		return newError(CodeNoHandler, "script defines no onDeliver function", nil)
	}
	return nil
}
