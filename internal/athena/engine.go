// Package athena runs analytic SQL through Amazon Athena: submit, poll,
// fetch, and materialize results as CSV and HTML artifacts.
package athena

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsathena "github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/google/uuid"

	"github.com/lakecraft/lakeagent/internal/artifacts"
	"github.com/lakecraft/lakeagent/internal/stream"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultTimeoutSeconds = 300
	// fetchPageSize bounds a single GetQueryResults call.
	fetchPageSize = 1000
	// maxFetchRows bounds the total rows held in memory across pages.
	// Larger result sets stay in the service's output location.
	maxFetchRows = 100000
)

// API is the subset of the Athena client the engine uses.
type API interface {
	StartQueryExecution(ctx context.Context, params *awsathena.StartQueryExecutionInput, optFns ...func(*awsathena.Options)) (*awsathena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *awsathena.GetQueryExecutionInput, optFns ...func(*awsathena.Options)) (*awsathena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *awsathena.GetQueryResultsInput, optFns ...func(*awsathena.Options)) (*awsathena.GetQueryResultsOutput, error)
}

// State is the engine's view of a query execution.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateUnknown   State = "UNKNOWN"
)

// Config configures the engine.
type Config struct {
	Workgroup      string
	Database       string
	OutputLocation string
	PollInterval   time.Duration
	TimeoutSeconds int
}

// Options adjust a single execution.
type Options struct {
	// Database overrides the configured default.
	Database string
	// TimeoutSeconds bounds the poll loop; 0 uses the configured default.
	TimeoutSeconds int
	// Description labels the run in progress messages and the HTML report.
	Description string
	// ContinueOnFailure returns failed results without an error so
	// multi-step pipelines can proceed past best-effort queries.
	ContinueOnFailure bool
}

// Result describes one finished execution. A Result is returned for every
// terminal outcome; the paired error is nil on success and, when
// ContinueOnFailure is set, on failure too.
type Result struct {
	QueryExecutionID string
	SQL              string
	State            State
	// TimedOut marks a client-side deadline expiry. State then holds the
	// last state observed before giving up, which is not FAILED unless the
	// service said so.
	TimedOut    bool
	Reason      string
	Columns     []string
	RowCount    int
	ColumnCount int
	// Truncated is set when fetching stopped at the row cap.
	Truncated bool
	CSVKey    string
	HTMLKey   string
	Elapsed   time.Duration
}

// Failed reports whether the execution reached a non-success outcome.
func (r *Result) Failed() bool {
	return r.TimedOut || r.State != StateSucceeded
}

// Engine executes queries and materializes their results.
type Engine struct {
	api    API
	store  artifacts.Store
	pub    stream.Publisher
	cfg    Config
	logger *slog.Logger

	now      func() time.Time
	newToken func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the engine clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithTokenSource replaces the idempotency token generator.
func WithTokenSource(fn func() string) EngineOption {
	return func(e *Engine) { e.newToken = fn }
}

// New builds an Engine.
func New(api API, store artifacts.Store, pub stream.Publisher, cfg Config, logger *slog.Logger, opts ...EngineOption) *Engine {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = defaultTimeoutSeconds
	}
	if pub == nil {
		pub = stream.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		api:      api,
		store:    store,
		pub:      pub,
		cfg:      cfg,
		logger:   logger.With("component", "athena"),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs sql to completion. Progress messages stream to the session
// with a locally incrementing chunk index; publish failures never interrupt
// the query.
func (e *Engine) Execute(ctx context.Context, sessionID, sql string, opts Options) (*Result, error) {
	progress := stream.NewSegment(sessionID, e.pub)
	started := e.now()
	result := &Result{SQL: sql, State: StateUnknown}

	label := opts.Description
	if label == "" {
		label = "query"
	}
	progress.Send(ctx, fmt.Sprintf("Submitting %s...", label))

	execID, err := e.submit(ctx, sql, opts)
	if err != nil {
		result.State = StateFailed
		result.Reason = err.Error()
		result.Elapsed = e.now().Sub(started)
		progress.Send(ctx, "Query failed: "+result.Reason)
		return e.finish(result, opts)
	}
	result.QueryExecutionID = execID
	progress.Send(ctx, "Query submitted, waiting for completion...")

	finalState, timedOut, reason := e.poll(ctx, execID, opts)
	result.State = finalState
	result.TimedOut = timedOut
	result.Reason = reason
	result.Elapsed = e.now().Sub(started)
	if timedOut || finalState != StateSucceeded {
		progress.Send(ctx, "Query did not succeed: "+reason)
		return e.finish(result, opts)
	}
	progress.Send(ctx, "Query succeeded, fetching results...")

	columns, rows, truncated, err := e.fetch(ctx, execID)
	if err != nil {
		result.State = StateFailed
		result.Reason = fmt.Sprintf("fetch results: %v", err)
		result.Elapsed = e.now().Sub(started)
		progress.Send(ctx, "Query failed: "+result.Reason)
		return e.finish(result, opts)
	}
	result.Columns = columns
	result.RowCount = len(rows)
	result.ColumnCount = len(columns)
	result.Truncated = truncated

	csvKey, htmlKey, err := e.materialize(ctx, sessionID, result, columns, rows, opts)
	if err != nil {
		result.Elapsed = e.now().Sub(started)
		return result, fmt.Errorf("athena: materialize results: %w", err)
	}
	result.CSVKey = csvKey
	result.HTMLKey = htmlKey
	result.Elapsed = e.now().Sub(started)

	progress.Send(ctx, fmt.Sprintf("Results saved: %d rows, %d columns", result.RowCount, result.ColumnCount))
	return result, nil
}

// finish applies the ContinueOnFailure policy to a failed result.
func (e *Engine) finish(result *Result, opts Options) (*Result, error) {
	if !result.Failed() {
		return result, nil
	}
	e.logger.Warn("query did not succeed",
		"execution_id", result.QueryExecutionID,
		"state", result.State,
		"timed_out", result.TimedOut,
		"reason", result.Reason)
	if opts.ContinueOnFailure {
		return result, nil
	}
	return result, fmt.Errorf("athena: query %s: %s", result.State, result.Reason)
}

// submit starts the execution with a fresh idempotency token. A submission
// that returns no execution id is a hard failure; there is nothing to poll.
func (e *Engine) submit(ctx context.Context, sql string, opts Options) (string, error) {
	database := opts.Database
	if database == "" {
		database = e.cfg.Database
	}
	input := &awsathena.StartQueryExecutionInput{
		QueryString:        aws.String(sql),
		ClientRequestToken: aws.String(e.newToken()),
	}
	if database != "" {
		input.QueryExecutionContext = &types.QueryExecutionContext{Database: aws.String(database)}
	}
	if e.cfg.Workgroup != "" {
		input.WorkGroup = aws.String(e.cfg.Workgroup)
	}
	if e.cfg.OutputLocation != "" {
		input.ResultConfiguration = &types.ResultConfiguration{
			OutputLocation: aws.String(e.cfg.OutputLocation),
		}
	}

	out, err := e.api.StartQueryExecution(ctx, input)
	if err != nil {
		return "", fmt.Errorf("submit query: %w", err)
	}
	if out.QueryExecutionId == nil || *out.QueryExecutionId == "" {
		return "", fmt.Errorf("no query execution id returned")
	}
	return *out.QueryExecutionId, nil
}

// poll checks the execution every poll interval until a terminal state or
// the caller's deadline. Transient status-check errors are logged and
// absorbed; only the deadline or a terminal state ends the loop.
func (e *Engine) poll(ctx context.Context, execID string, opts Options) (state State, timedOut bool, reason string) {
	timeoutSeconds := opts.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = e.cfg.TimeoutSeconds
	}
	deadline := e.now().Add(time.Duration(timeoutSeconds) * time.Second)

	last := StateUnknown
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		out, err := e.api.GetQueryExecution(ctx, &awsathena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(execID),
		})
		if err != nil {
			if ctx.Err() != nil {
				return last, true, fmt.Sprintf("query cancelled in state %s: %v", last, ctx.Err())
			}
			e.logger.Warn("status check failed", "execution_id", execID, "error", err)
		} else if out.QueryExecution != nil && out.QueryExecution.Status != nil {
			status := out.QueryExecution.Status
			last = mapState(status.State)
			switch last {
			case StateSucceeded:
				return StateSucceeded, false, ""
			case StateFailed, StateCancelled:
				reason := "no reason reported"
				if status.StateChangeReason != nil {
					reason = *status.StateChangeReason
				}
				return last, false, reason
			}
		}

		if e.now().After(deadline) {
			return last, true, fmt.Sprintf("query timed out after %ds in state %s", timeoutSeconds, last)
		}
		select {
		case <-ctx.Done():
			return last, true, fmt.Sprintf("query cancelled in state %s: %v", last, ctx.Err())
		case <-ticker.C:
		}
	}
}

// fetch pulls result rows page by page until the service reports no more,
// holding at most maxFetchRows in memory. The header row is dropped only
// when its cells match the column metadata; Athena repeats the header for
// SELECTs but not for every statement kind.
func (e *Engine) fetch(ctx context.Context, execID string) (columns []string, rows [][]string, truncated bool, err error) {
	var nextToken *string
	first := true
	for {
		out, err := e.api.GetQueryResults(ctx, &awsathena.GetQueryResultsInput{
			QueryExecutionId: aws.String(execID),
			MaxResults:       aws.Int32(fetchPageSize),
			NextToken:        nextToken,
		})
		if err != nil {
			return nil, nil, false, err
		}
		if out.ResultSet == nil {
			break
		}

		pageRows := out.ResultSet.Rows
		if first {
			if out.ResultSet.ResultSetMetadata != nil {
				for _, col := range out.ResultSet.ResultSetMetadata.ColumnInfo {
					columns = append(columns, aws.ToString(col.Name))
				}
			}
			if len(pageRows) > 0 && isHeaderRow(pageRows[0], columns) {
				pageRows = pageRows[1:]
			}
			first = false
		}

		for _, row := range pageRows {
			if len(rows) >= maxFetchRows {
				return columns, rows, true, nil
			}
			cells := make([]string, len(row.Data))
			for i, datum := range row.Data {
				cells[i] = aws.ToString(datum.VarCharValue)
			}
			rows = append(rows, cells)
		}

		nextToken = out.NextToken
		if nextToken == nil {
			break
		}
	}
	return columns, rows, false, nil
}

// isHeaderRow reports whether every cell of row equals the corresponding
// column name. Position alone is not trusted.
func isHeaderRow(row types.Row, columns []string) bool {
	if len(columns) == 0 || len(row.Data) != len(columns) {
		return false
	}
	for i, datum := range row.Data {
		if aws.ToString(datum.VarCharValue) != columns[i] {
			return false
		}
	}
	return true
}

// materialize writes the CSV and HTML artifacts under timestamp-suffixed
// keys so reruns never overwrite earlier reports.
func (e *Engine) materialize(ctx context.Context, sessionID string, result *Result, columns []string, rows [][]string, opts Options) (csvKey, htmlKey string, err error) {
	stamp := e.now().UTC().Format("20060102T150405Z")
	base := fmt.Sprintf("sessions/%s/query-results/%s-%s", sessionID, result.QueryExecutionID, stamp)

	csvData, err := buildCSV(columns, rows)
	if err != nil {
		return "", "", fmt.Errorf("build csv: %w", err)
	}
	csvKey = base + ".csv"
	if err := e.store.Put(ctx, csvKey, csvData, "text/csv"); err != nil {
		return "", "", err
	}

	htmlData, err := buildHTML(reportData{
		Title:            opts.Description,
		QueryExecutionID: result.QueryExecutionID,
		SQL:              result.SQL,
		Columns:          columns,
		Rows:             rows,
		RenderedAt:       e.now().UTC(),
	})
	if err != nil {
		return "", "", fmt.Errorf("build html: %w", err)
	}
	htmlKey = base + ".html"
	if err := e.store.Put(ctx, htmlKey, htmlData, "text/html"); err != nil {
		return "", "", err
	}
	return csvKey, htmlKey, nil
}

func mapState(s types.QueryExecutionState) State {
	switch s {
	case types.QueryExecutionStateQueued:
		return StateQueued
	case types.QueryExecutionStateRunning:
		return StateRunning
	case types.QueryExecutionStateSucceeded:
		return StateSucceeded
	case types.QueryExecutionStateFailed:
		return StateFailed
	case types.QueryExecutionStateCancelled:
		return StateCancelled
	default:
		return StateUnknown
	}
}
