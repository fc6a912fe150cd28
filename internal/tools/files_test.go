package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lakecraft/lakeagent/internal/agent"
	"github.com/lakecraft/lakeagent/internal/artifacts"
)

func sessionCtx() context.Context {
	return agent.WithSession(context.Background(), "chat-1")
}

func TestFileToolsRoundTrip(t *testing.T) {
	store := artifacts.NewMemStore()
	write := NewWriteFile(store)
	read := NewReadFile(store)
	list := NewListFiles(store)
	ctx := sessionCtx()

	args, _ := json.Marshal(map[string]string{"filename": "notes/plan.md", "content": "# plan"})
	out, err := write.Execute(ctx, args)
	if err != nil || out.IsError {
		t.Fatalf("write: %v %+v", err, out)
	}

	args, _ = json.Marshal(map[string]string{"filename": "notes/plan.md"})
	out, err = read.Execute(ctx, args)
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "# plan" {
		t.Errorf("read = %q", out.Content)
	}

	out, err = list.Execute(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Content, "notes/plan.md") {
		t.Errorf("list = %q", out.Content)
	}
}

func TestFileToolsSessionIsolation(t *testing.T) {
	store := artifacts.NewMemStore()
	write := NewWriteFile(store)
	read := NewReadFile(store)

	args, _ := json.Marshal(map[string]string{"filename": "secret.txt", "content": "mine"})
	if _, err := write.Execute(agent.WithSession(context.Background(), "chat-1"), args); err != nil {
		t.Fatal(err)
	}

	args, _ = json.Marshal(map[string]string{"filename": "secret.txt"})
	out, err := read.Execute(agent.WithSession(context.Background(), "chat-2"), args)
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsError {
		t.Error("file visible across sessions")
	}
}

func TestGlobalNamespaceReadOnly(t *testing.T) {
	store := artifacts.NewMemStore()
	if err := store.Put(context.Background(), "global/reference.md", []byte("shared"), ""); err != nil {
		t.Fatal(err)
	}
	read := NewReadFile(store)
	write := NewWriteFile(store)
	ctx := sessionCtx()

	args, _ := json.Marshal(map[string]string{"filename": "global/reference.md"})
	out, err := read.Execute(ctx, args)
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "shared" {
		t.Errorf("global read = %q", out.Content)
	}

	args, _ = json.Marshal(map[string]string{"filename": "global/reference.md", "content": "overwrite"})
	out, err = write.Execute(ctx, args)
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsError {
		t.Error("global namespace writable")
	}
}

func TestFileToolsRejectTraversal(t *testing.T) {
	store := artifacts.NewMemStore()
	read := NewReadFile(store)
	ctx := sessionCtx()

	for _, name := range []string{"../other/file", "/etc/passwd", "a/../../b"} {
		args, _ := json.Marshal(map[string]string{"filename": name})
		out, err := read.Execute(ctx, args)
		if err != nil {
			t.Fatal(err)
		}
		if !out.IsError {
			t.Errorf("%q accepted", name)
		}
	}
}
