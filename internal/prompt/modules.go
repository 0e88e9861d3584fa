package prompt

import (
	"context"
	"fmt"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
	"github.com/XiaoConstantine/dspy-go/pkg/modules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.GetTracerProvider().Tracer("promptlab/prompt")

// TaskPredict wraps dspy-go Predict over the task signature
type TaskPredict struct {
	*modules.Predict
	sig Signature
}

// NewTaskPredict creates a predict module whose instruction is the prompt text
func NewTaskPredict(instruction string) *TaskPredict {
	sig := TaskSignature(instruction)
	return &TaskPredict{
		Predict: modules.NewPredict(sig.Signature),
		sig:     sig,
	}
}

// Process executes the prediction inside a span
func (p *TaskPredict) Process(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "prompt.predict")
	defer span.End()
	span.SetAttributes(attribute.String("prompt.signature", p.sig.Name))

	outputs, err := p.Predict.Process(ctx, inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("predict process failed: %w", err)
	}
	return outputs, nil
}

// ToProgram wraps the module in a core.Program for use with dspy-go optimizers.
// Forward always runs p, so clones of the program that change a module's
// signature still execute p's instruction.
func (p *TaskPredict) ToProgram(moduleName string) core.Program {
	mods := map[string]core.Module{
		moduleName: p.Predict,
	}

	forward := func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
		return p.Process(ctx, inputs)
	}

	return core.NewProgram(mods, forward)
}
