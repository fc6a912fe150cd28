package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/lakecraft/lakeagent/internal/agent"
)

type calculatorInput struct {
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression to evaluate, e.g. (17 + 3) * 2 / 5"`
}

// Calculator evaluates arithmetic expressions.
type Calculator struct {
	schema json.RawMessage
}

func NewCalculator() *Calculator {
	return &Calculator{schema: reflectSchema(&calculatorInput{})}
}

func (c *Calculator) Name() string { return "calculator" }

func (c *Calculator) Description() string {
	return "Evaluates an arithmetic expression and returns the numeric result."
}

func (c *Calculator) Schema() json.RawMessage { return c.schema }

func (c *Calculator) Execute(_ context.Context, args json.RawMessage) (*agent.ToolOutput, error) {
	var input calculatorInput
	if err := json.Unmarshal(args, &input); err != nil {
		return &agent.ToolOutput{
			Content: "Error: invalid arguments: " + err.Error(),
			IsError: true,
		}, nil
	}
	if input.Expression == "" {
		return &agent.ToolOutput{Content: "Error: expression is required", IsError: true}, nil
	}

	program, err := expr.Compile(input.Expression)
	if err != nil {
		return &agent.ToolOutput{
			Content: fmt.Sprintf("Error: cannot parse expression %q: %v", input.Expression, err),
			IsError: true,
		}, nil
	}
	result, err := expr.Run(program, map[string]any{})
	if err != nil {
		return &agent.ToolOutput{
			Content: fmt.Sprintf("Error: cannot evaluate expression %q: %v", input.Expression, err),
			IsError: true,
		}, nil
	}
	return &agent.ToolOutput{Content: fmt.Sprintf("%v", result)}, nil
}
