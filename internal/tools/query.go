package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lakecraft/lakeagent/internal/agent"
	"github.com/lakecraft/lakeagent/internal/athena"
)

type queryInput struct {
	SQLQuery          string `json:"sqlQuery" jsonschema:"description=SQL statement to execute"`
	Database          string `json:"database,omitempty" jsonschema:"description=Database override; defaults to the configured database"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty" jsonschema:"description=Completion deadline in seconds; default 300"`
	Description       string `json:"description,omitempty" jsonschema:"description=Short label for progress messages and the report"`
	ContinueOnFailure bool   `json:"continueOnFailure,omitempty" jsonschema:"description=Treat a failed query as a non-fatal step"`
}

// Query runs analytic SQL through the query engine and reports the
// artifact locations.
type Query struct {
	engine *athena.Engine
	schema json.RawMessage
}

func NewQuery(engine *athena.Engine) *Query {
	return &Query{engine: engine, schema: reflectSchema(&queryInput{})}
}

func (t *Query) Name() string { return "run_sql_query" }

func (t *Query) Description() string {
	return "Executes a SQL query against the analytic warehouse and saves the results as CSV and HTML artifacts."
}

func (t *Query) Schema() json.RawMessage { return t.schema }

func (t *Query) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolOutput, error) {
	var input queryInput
	if err := json.Unmarshal(args, &input); err != nil {
		return errorOutput("invalid arguments: %v", err), nil
	}
	if input.SQLQuery == "" {
		return errorOutput("sqlQuery is required"), nil
	}

	sessionID, ok := agent.SessionFromContext(ctx)
	if !ok {
		sessionID = "adhoc"
	}

	result, err := t.engine.Execute(ctx, sessionID, input.SQLQuery, athena.Options{
		Database:          input.Database,
		TimeoutSeconds:    input.TimeoutSeconds,
		Description:       input.Description,
		ContinueOnFailure: input.ContinueOnFailure,
	})
	if err != nil {
		state := "failed"
		reason := err.Error()
		if result != nil {
			state = string(result.State)
			if result.Reason != "" {
				reason = result.Reason
			}
			if result.TimedOut {
				state = fmt.Sprintf("timed out (last state %s)", result.State)
			}
		}
		return errorOutput("query %s: %s", state, reason), nil
	}

	payload := map[string]any{
		"messageContentType": ContentTypeAnalyticJob,
		"queryExecutionId":   result.QueryExecutionID,
		"status":             string(result.State),
		"rowCount":           result.RowCount,
		"columnCount":        result.ColumnCount,
		"truncated":          result.Truncated,
	}
	if result.Failed() {
		// ContinueOnFailure path: report the failure as data.
		payload["reason"] = result.Reason
		payload["timedOut"] = result.TimedOut
	} else {
		payload["files"] = map[string]string{
			"csv":  result.CSVKey,
			"html": result.HTMLKey,
		}
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal query result: %w", err)
	}
	return &agent.ToolOutput{
		Content: string(content),
		Display: map[string]any{"messageContentType": ContentTypeAnalyticJob},
	}, nil
}
