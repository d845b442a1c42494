package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tandem-dev/tandem/internal/control"
	"github.com/tandem-dev/tandem/internal/router"
	"github.com/tandem-dev/tandem/internal/scheduler"
	"github.com/tandem-dev/tandem/internal/stream"
	"github.com/tandem-dev/tandem/internal/tool"
)

func TestFactoryRunsAgentThroughScheduler(t *testing.T) {
	transport := &scriptedTransport{scripts: []script{
		{chunks: []string{
			toolChunk(0, "call_1", tool.NameWriteFile, `{"path":"src/a.go","content":"package a\n"}`),
			finishChunk("tool_calls"),
			"data: [DONE]",
		}},
		{chunks: []string{contentChunk("created the package"), finishChunk("stop"), "data: [DONE]"}},
	}}

	dir := t.TempDir()
	ctrl := control.NewController()
	factory := NewFactory(transport, router.DefaultTable(), dir, ctrl)

	sched := scheduler.New(factory, scheduler.WithDefaultModel("claude-sonnet-4"))
	defer sched.Close()
	factory.Bind(sched)

	ctx := context.Background()
	inst, err := sched.Spawn(ctx, scheduler.Spec{Type: "implement", Task: "create package a"})
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if got := inst.Status(); got != scheduler.StatusCompleted {
		t.Fatalf("status = %s (err: %v)", got, inst.Err())
	}
	if got := inst.Result(); got != "created the package" {
		t.Fatalf("result = %q", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, "src", "a.go"))
	if err != nil || string(data) != "package a\n" {
		t.Fatalf("agent did not write file: %q, %v", data, err)
	}

	modified := inst.ModifiedFiles()
	if len(modified) != 1 || modified[0] != filepath.Join("src", "a.go") {
		t.Fatalf("modified files = %v", modified)
	}

	conv := inst.Conversation()
	roles := make([]stream.Role, 0, len(conv))
	for _, m := range conv {
		roles = append(roles, m.Role)
	}
	want := []stream.Role{stream.RoleUser, stream.RoleAssistant, stream.RoleTool, stream.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("conversation roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("conversation roles = %v, want %v", roles, want)
		}
	}
}

func TestFactoryRequiresBind(t *testing.T) {
	transport := &scriptedTransport{}
	ctrl := control.NewController()
	factory := NewFactory(transport, router.DefaultTable(), t.TempDir(), ctrl)

	sched := scheduler.New(factory)
	defer sched.Close()

	ctx := context.Background()
	inst, err := sched.Spawn(ctx, scheduler.Spec{Type: "implement", Task: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	inst.Wait(ctx)

	if got := inst.Status(); got != scheduler.StatusError {
		t.Fatalf("status = %s, want error for unbound factory", got)
	}
}
