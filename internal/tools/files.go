package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lakecraft/lakeagent/internal/agent"
	"github.com/lakecraft/lakeagent/internal/artifacts"
)

// globalPrefix is the shared read-only namespace visible to every session.
const globalPrefix = "global/"

// sessionPrefix scopes a session's writable workspace.
func sessionPrefix(ctx context.Context) (string, error) {
	sessionID, ok := agent.SessionFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no session in context")
	}
	return "sessions/" + sessionID + "/files/", nil
}

// cleanRelativePath rejects traversal and absolute paths.
func cleanRelativePath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid filename %q", name)
	}
	return name, nil
}

// resolveReadKey maps a tool-facing filename to a store key. Names under
// global/ read the shared namespace; everything else is session-scoped.
func resolveReadKey(ctx context.Context, name string) (string, error) {
	clean, err := cleanRelativePath(name)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(clean, globalPrefix) {
		return clean, nil
	}
	prefix, err := sessionPrefix(ctx)
	if err != nil {
		return "", err
	}
	return prefix + clean, nil
}

type readFileInput struct {
	Filename string `json:"filename" jsonschema:"description=File to read. Prefix global/ reads the shared reference namespace."`
}

// ReadFile reads a file from the session workspace or the global namespace.
type ReadFile struct {
	store  artifacts.Store
	schema json.RawMessage
}

func NewReadFile(store artifacts.Store) *ReadFile {
	return &ReadFile{store: store, schema: reflectSchema(&readFileInput{})}
}

func (t *ReadFile) Name() string            { return "read_file" }
func (t *ReadFile) Description() string     { return "Reads a file from the session workspace." }
func (t *ReadFile) Schema() json.RawMessage { return t.schema }

func (t *ReadFile) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolOutput, error) {
	var input readFileInput
	if err := json.Unmarshal(args, &input); err != nil {
		return errorOutput("invalid arguments: %v", err), nil
	}
	key, err := resolveReadKey(ctx, input.Filename)
	if err != nil {
		return errorOutput("%v", err), nil
	}
	data, err := t.store.Get(ctx, key)
	if err != nil {
		if err == artifacts.ErrNotFound {
			return errorOutput("file %q not found", input.Filename), nil
		}
		return nil, err
	}
	return &agent.ToolOutput{Content: string(data)}, nil
}

type writeFileInput struct {
	Filename string `json:"filename" jsonschema:"description=File to write within the session workspace"`
	Content  string `json:"content" jsonschema:"description=Full file content"`
}

// WriteFile writes a file into the session workspace. The global namespace
// is read-only.
type WriteFile struct {
	store  artifacts.Store
	schema json.RawMessage
}

func NewWriteFile(store artifacts.Store) *WriteFile {
	return &WriteFile{store: store, schema: reflectSchema(&writeFileInput{})}
}

func (t *WriteFile) Name() string            { return "write_file" }
func (t *WriteFile) Description() string     { return "Writes a file into the session workspace." }
func (t *WriteFile) Schema() json.RawMessage { return t.schema }

func (t *WriteFile) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolOutput, error) {
	var input writeFileInput
	if err := json.Unmarshal(args, &input); err != nil {
		return errorOutput("invalid arguments: %v", err), nil
	}
	clean, err := cleanRelativePath(input.Filename)
	if err != nil {
		return errorOutput("%v", err), nil
	}
	if strings.HasPrefix(clean, globalPrefix) {
		return errorOutput("the %s namespace is read-only", globalPrefix), nil
	}
	prefix, err := sessionPrefix(ctx)
	if err != nil {
		return errorOutput("%v", err), nil
	}
	if err := t.store.Put(ctx, prefix+clean, []byte(input.Content), "text/plain"); err != nil {
		return nil, err
	}
	return &agent.ToolOutput{Content: fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), clean)}, nil
}

type listFilesInput struct {
	Directory string `json:"directory,omitempty" jsonschema:"description=Optional directory prefix to list"`
}

// ListFiles lists the session workspace, optionally under a directory.
type ListFiles struct {
	store  artifacts.Store
	schema json.RawMessage
}

func NewListFiles(store artifacts.Store) *ListFiles {
	return &ListFiles{store: store, schema: reflectSchema(&listFilesInput{})}
}

func (t *ListFiles) Name() string            { return "list_files" }
func (t *ListFiles) Description() string     { return "Lists files in the session workspace." }
func (t *ListFiles) Schema() json.RawMessage { return t.schema }

func (t *ListFiles) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolOutput, error) {
	var input listFilesInput
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return errorOutput("invalid arguments: %v", err), nil
		}
	}
	dir := input.Directory
	if dir != "" {
		var err error
		if dir, err = cleanRelativePath(dir); err != nil {
			return errorOutput("%v", err), nil
		}
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
	}

	var listPrefix, trim string
	if strings.HasPrefix(dir, globalPrefix) {
		listPrefix, trim = dir, ""
	} else {
		prefix, err := sessionPrefix(ctx)
		if err != nil {
			return errorOutput("%v", err), nil
		}
		listPrefix, trim = prefix+dir, prefix
	}

	keys, err := t.store.List(ctx, listPrefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return &agent.ToolOutput{Content: "No files found."}, nil
	}
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = strings.TrimPrefix(key, trim)
	}
	return &agent.ToolOutput{Content: strings.Join(names, "\n")}, nil
}

func errorOutput(format string, args ...any) *agent.ToolOutput {
	return &agent.ToolOutput{Content: "Error: " + fmt.Sprintf(format, args...), IsError: true}
}
