package athena

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsathena "github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/lakecraft/lakeagent/internal/artifacts"
	"github.com/lakecraft/lakeagent/internal/stream"
)

type statusStep struct {
	state  types.QueryExecutionState
	reason string
	err    error
}

// fakeAPI scripts the Athena control plane: a fixed submit response, a
// sequence of status answers (the last repeats), and paginated result pages.
type fakeAPI struct {
	mu sync.Mutex

	startErr error
	noID     bool
	gotToken string

	statuses    []statusStep
	statusCalls int

	pages     []*awsathena.GetQueryResultsOutput
	pageCalls int
	pageSizes []int32
}

func (f *fakeAPI) StartQueryExecution(_ context.Context, params *awsathena.StartQueryExecutionInput, _ ...func(*awsathena.Options)) (*awsathena.StartQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.gotToken = aws.ToString(params.ClientRequestToken)
	if f.noID {
		return &awsathena.StartQueryExecutionOutput{}, nil
	}
	return &awsathena.StartQueryExecutionOutput{QueryExecutionId: aws.String("exec-1")}, nil
}

func (f *fakeAPI) GetQueryExecution(_ context.Context, _ *awsathena.GetQueryExecutionInput, _ ...func(*awsathena.Options)) (*awsathena.GetQueryExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.statusCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusCalls++
	step := f.statuses[idx]
	if step.err != nil {
		return nil, step.err
	}
	status := &types.QueryExecutionStatus{State: step.state}
	if step.reason != "" {
		status.StateChangeReason = aws.String(step.reason)
	}
	return &awsathena.GetQueryExecutionOutput{
		QueryExecution: &types.QueryExecution{Status: status},
	}, nil
}

func (f *fakeAPI) GetQueryResults(_ context.Context, params *awsathena.GetQueryResultsInput, _ ...func(*awsathena.Options)) (*awsathena.GetQueryResultsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSizes = append(f.pageSizes, aws.ToInt32(params.MaxResults))
	if f.pageCalls >= len(f.pages) {
		return &awsathena.GetQueryResultsOutput{ResultSet: &types.ResultSet{}}, nil
	}
	page := f.pages[f.pageCalls]
	f.pageCalls++
	return page, nil
}

func makeRow(cells ...string) types.Row {
	data := make([]types.Datum, len(cells))
	for i, c := range cells {
		data[i] = types.Datum{VarCharValue: aws.String(c)}
	}
	return types.Row{Data: data}
}

func resultPage(columns []string, rows []types.Row, more bool) *awsathena.GetQueryResultsOutput {
	out := &awsathena.GetQueryResultsOutput{
		ResultSet: &types.ResultSet{Rows: rows},
	}
	if columns != nil {
		info := make([]types.ColumnInfo, len(columns))
		for i, name := range columns {
			info[i] = types.ColumnInfo{Name: aws.String(name)}
		}
		out.ResultSet.ResultSetMetadata = &types.ResultSetMetadata{ColumnInfo: info}
	}
	if more {
		out.NextToken = aws.String("next")
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(api API, store artifacts.Store, pub stream.Publisher) *Engine {
	return New(api, store, pub, Config{
		Workgroup:      "primary",
		Database:       "lake",
		PollInterval:   time.Millisecond,
		TimeoutSeconds: 300,
	}, testLogger(), WithTokenSource(func() string { return "token-1" }))
}

func TestExecuteSuccess(t *testing.T) {
	api := &fakeAPI{
		statuses: []statusStep{
			{state: types.QueryExecutionStateQueued},
			{state: types.QueryExecutionStateRunning},
			{state: types.QueryExecutionStateSucceeded},
		},
		pages: []*awsathena.GetQueryResultsOutput{
			resultPage([]string{"region", "total"}, []types.Row{
				makeRow("region", "total"), // header row repeated by the service
				makeRow("us-east-1", "42"),
				makeRow("eu-west-1", "17"),
			}, false),
		},
	}
	store := artifacts.NewMemStore()
	pub := stream.NewChanPublisher(64)
	engine := newTestEngine(api, store, pub)

	result, err := engine.Execute(context.Background(), "chat-1", "SELECT region, total FROM usage", Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.State != StateSucceeded || result.Failed() {
		t.Errorf("state = %s", result.State)
	}
	if result.RowCount != 2 || result.ColumnCount != 2 {
		t.Errorf("rows = %d, cols = %d", result.RowCount, result.ColumnCount)
	}
	if api.gotToken != "token-1" {
		t.Errorf("idempotency token = %q", api.gotToken)
	}

	csvData, err := store.Get(context.Background(), result.CSVKey)
	if err != nil {
		t.Fatalf("csv artifact: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(csvData), "\n"), "\n")
	if len(lines) != 3 || lines[0] != "region,total" {
		t.Errorf("csv = %q", csvData)
	}

	htmlData, err := store.Get(context.Background(), result.HTMLKey)
	if err != nil {
		t.Fatalf("html artifact: %v", err)
	}
	if !strings.Contains(string(htmlData), "exec-1") {
		t.Error("html missing execution id")
	}

	// Progress chunk indices increment locally from 0.
	n := len(pub.Chunks())
	prev := -1
	for i := 0; i < n; i++ {
		chunk := <-pub.Chunks()
		if chunk.Index != prev+1 {
			t.Errorf("chunk index = %d after %d", chunk.Index, prev)
		}
		prev = chunk.Index
	}
	if prev < 2 {
		t.Errorf("expected several progress chunks, got %d", prev+1)
	}
}

func TestMissingExecutionIDFailsWithoutPolling(t *testing.T) {
	api := &fakeAPI{
		noID:     true,
		statuses: []statusStep{{state: types.QueryExecutionStateRunning}},
	}
	engine := newTestEngine(api, artifacts.NewMemStore(), nil)

	result, err := engine.Execute(context.Background(), "chat-1", "SELECT 1", Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if result.State != StateFailed {
		t.Errorf("state = %s, want FAILED", result.State)
	}
	if !strings.Contains(result.Reason, "no query execution id returned") {
		t.Errorf("reason = %q", result.Reason)
	}
	if api.statusCalls != 0 {
		t.Errorf("polled %d times after missing execution id", api.statusCalls)
	}
}

func TestTransientStatusErrorsAbsorbed(t *testing.T) {
	api := &fakeAPI{
		statuses: []statusStep{
			{err: fmt.Errorf("throttled")},
			{err: fmt.Errorf("throttled")},
			{state: types.QueryExecutionStateSucceeded},
		},
		pages: []*awsathena.GetQueryResultsOutput{
			resultPage([]string{"n"}, []types.Row{makeRow("n"), makeRow("1")}, false),
		},
	}
	engine := newTestEngine(api, artifacts.NewMemStore(), nil)

	result, err := engine.Execute(context.Background(), "chat-1", "SELECT 1", Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.State != StateSucceeded {
		t.Errorf("state = %s", result.State)
	}
	if api.statusCalls < 3 {
		t.Errorf("statusCalls = %d", api.statusCalls)
	}
}

func TestTimeoutCarriesLastObservedState(t *testing.T) {
	api := &fakeAPI{
		statuses: []statusStep{{state: types.QueryExecutionStateRunning}},
	}
	store := artifacts.NewMemStore()

	// Advance a fake clock far enough per call that the one-second budget
	// expires after a few polls.
	var mu sync.Mutex
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(400 * time.Millisecond)
		return current
	}
	engine := New(api, store, nil, Config{
		PollInterval:   time.Millisecond,
		TimeoutSeconds: 300,
	}, testLogger(), WithClock(clock), WithTokenSource(func() string { return "t" }))

	result, err := engine.Execute(context.Background(), "chat-1", "SELECT 1", Options{TimeoutSeconds: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if !result.TimedOut {
		t.Error("TimedOut not set")
	}
	if result.State != StateRunning {
		t.Errorf("state = %s, want last observed RUNNING", result.State)
	}
	if !strings.Contains(result.Reason, "timed out") {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestServiceFailureWithContinueOnFailure(t *testing.T) {
	api := &fakeAPI{
		statuses: []statusStep{
			{state: types.QueryExecutionStateFailed, reason: "SYNTAX_ERROR: line 1"},
		},
	}
	engine := newTestEngine(api, artifacts.NewMemStore(), nil)

	result, err := engine.Execute(context.Background(), "chat-1", "SELEC 1", Options{ContinueOnFailure: true})
	if err != nil {
		t.Fatalf("ContinueOnFailure should suppress the error, got %v", err)
	}
	if result.State != StateFailed || result.TimedOut {
		t.Errorf("state = %s, timedOut = %v", result.State, result.TimedOut)
	}
	if result.Reason != "SYNTAX_ERROR: line 1" {
		t.Errorf("reason = %q", result.Reason)
	}
}

// numberedPages scripts pages of single-cell rows. The first page carries
// column metadata and a repeated header row.
func numberedPages(total, perPage int) []*awsathena.GetQueryResultsOutput {
	columns := []string{"id"}
	var pages []*awsathena.GetQueryResultsOutput
	rowNum := 0
	for rowNum < total {
		var rows []types.Row
		var cols []string
		if rowNum == 0 {
			rows = append(rows, makeRow("id"))
			cols = columns
		}
		for i := 0; i < perPage && rowNum < total; i++ {
			rows = append(rows, makeRow(fmt.Sprintf("row-%d", rowNum)))
			rowNum++
		}
		pages = append(pages, resultPage(cols, rows, rowNum < total))
	}
	return pages
}

func TestFetchPaginatesPastPageSize(t *testing.T) {
	api := &fakeAPI{
		statuses: []statusStep{{state: types.QueryExecutionStateSucceeded}},
		pages:    numberedPages(1050, 1000),
	}
	store := artifacts.NewMemStore()
	engine := newTestEngine(api, store, nil)

	result, err := engine.Execute(context.Background(), "chat-1", "SELECT id FROM big", Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.RowCount != 1050 {
		t.Errorf("RowCount = %d, want 1050", result.RowCount)
	}
	if result.Truncated {
		t.Error("Truncated set for a fully fetched result")
	}
	for _, size := range api.pageSizes {
		if size != 1000 {
			t.Errorf("page size = %d, want 1000", size)
		}
	}

	csvData, err := store.Get(context.Background(), result.CSVKey)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(csvData), "\n"), "\n")
	if len(lines) != 1051 {
		t.Errorf("csv lines = %d, want header plus 1050 data rows", len(lines))
	}

	htmlData, err := store.Get(context.Background(), result.HTMLKey)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(htmlData), "...and 950 more rows") {
		t.Error("html missing omission notice")
	}
	if strings.Contains(string(htmlData), ">row-100<") {
		t.Error("html rendered rows past the display limit")
	}
}

func TestFetchStopsAtMemoryBound(t *testing.T) {
	api := &fakeAPI{
		statuses: []statusStep{{state: types.QueryExecutionStateSucceeded}},
		pages:    numberedPages(maxFetchRows+50, 1000),
	}
	store := artifacts.NewMemStore()
	engine := newTestEngine(api, store, nil)

	result, err := engine.Execute(context.Background(), "chat-1", "SELECT id FROM huge", Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.RowCount != maxFetchRows {
		t.Errorf("RowCount = %d, want %d", result.RowCount, maxFetchRows)
	}
	if !result.Truncated {
		t.Error("Truncated not set")
	}
}
