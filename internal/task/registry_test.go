package task

import (
	"errors"
	"sync"
	"testing"
)

func TestExpand_PreservesMacroOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "C", Target: LocalTarget, Body: "echo c"})
	r.Register(Task{ID: "A", Target: LocalTarget, Body: "echo a"})
	r.Register(Task{ID: "B", Target: LocalTarget, Body: "echo b"})
	r.DefineMacro("deploy", []string{"A", "B", "C"})

	tasks, err := r.Expand("deploy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, want := range []string{"A", "B", "C"} {
		if tasks[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, tasks[i].ID)
		}
	}
}

func TestExpand_AllowsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "notify", Target: LocalTarget, Body: "echo hi"})
	r.DefineMacro("m", []string{"notify", "notify"})

	tasks, err := r.Expand("m")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected duplicate entries kept, got %d tasks", len(tasks))
	}
}

func TestExpand_UnknownTask(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "A", Target: LocalTarget, Body: "echo a"})
	r.DefineMacro("deploy", []string{"A", "missing"})

	_, err := r.Expand("deploy")
	var ute *UnknownTaskError
	if !errors.As(err, &ute) {
		t.Fatalf("expected *UnknownTaskError, got %v", err)
	}
	if ute.ID != "missing" || ute.Macro != "deploy" {
		t.Errorf("unexpected error fields: %+v", ute)
	}
	if !IsConfigError(err) {
		t.Error("expected config error classification")
	}
}

func TestExpand_UnknownMacro(t *testing.T) {
	_, err := NewRegistry().Expand("nope")
	var ume *UnknownMacroError
	if !errors.As(err, &ume) {
		t.Fatalf("expected *UnknownMacroError, got %v", err)
	}
}

func TestExpand_LateTaskDefinition(t *testing.T) {
	r := NewRegistry()
	r.DefineMacro("deploy", []string{"A"})
	r.Register(Task{ID: "A", Target: LocalTarget, Body: "echo a"})

	if _, err := r.Expand("deploy"); err != nil {
		t.Fatalf("task registered after macro should resolve: %v", err)
	}
}

func TestRegister_LastWriteWins(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "X", Target: LocalTarget, Body: "echo A"})
	r.DefineMacro("m", []string{"X"})

	before, err := r.Expand("m")
	if err != nil {
		t.Fatal(err)
	}
	if before[0].Body != "echo A" {
		t.Fatalf("expected echo A, got %q", before[0].Body)
	}

	r.Register(Task{ID: "X", Target: LocalTarget, Body: "echo B"})

	after, err := r.Expand("m")
	if err != nil {
		t.Fatal(err)
	}
	if after[0].Body != "echo B" {
		t.Errorf("expected echo B after re-registration, got %q", after[0].Body)
	}
	if before[0].Body != "echo A" {
		t.Errorf("previously expanded plan changed: %q", before[0].Body)
	}
}

func TestDefineMacro_Overwrites(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "a", Target: LocalTarget})
	r.Register(Task{ID: "b", Target: LocalTarget})
	r.DefineMacro("m", []string{"a"})
	r.DefineMacro("m", []string{"b"})

	m, err := r.Macro("m")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Tasks) != 1 || m.Tasks[0] != "b" {
		t.Errorf("expected [b], got %v", m.Tasks)
	}
}

func TestDefineMacro_CopiesInput(t *testing.T) {
	r := NewRegistry()
	ids := []string{"a"}
	r.DefineMacro("m", ids)
	ids[0] = "changed"

	m, _ := r.Macro("m")
	if m.Tasks[0] != "a" {
		t.Errorf("macro shares caller slice: %v", m.Tasks)
	}
}

func TestPlan_BareTask(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "deployOnlyCode", Target: "remote", Body: "git pull"})

	tasks, err := r.Plan("deployOnlyCode")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "deployOnlyCode" {
		t.Errorf("unexpected plan: %+v", tasks)
	}
}

func TestPlan_MacroShadowsTask(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "deploy", Target: LocalTarget, Body: "echo task"})
	r.Register(Task{ID: "step", Target: LocalTarget, Body: "echo step"})
	r.DefineMacro("deploy", []string{"step", "step"})

	tasks, err := r.Plan("deploy")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("expected macro expansion, got %d tasks", len(tasks))
	}
}

func TestPlan_Unknown(t *testing.T) {
	_, err := NewRegistry().Plan("nothing")
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestResolve_LocalAlwaysPresent(t *testing.T) {
	g, err := NewRegistry().Resolve(LocalTarget)
	if err != nil {
		t.Fatalf("local should resolve without registration: %v", err)
	}
	if len(g.Endpoints) != 1 || g.Endpoints[0].Kind != KindLocal {
		t.Errorf("unexpected local group: %+v", g)
	}
}

func TestResolve_Unknown(t *testing.T) {
	_, err := NewRegistry().Resolve("remote")
	var uhe *UnknownHostError
	if !errors.As(err, &uhe) {
		t.Fatalf("expected *UnknownHostError, got %v", err)
	}
	if uhe.Name != "remote" {
		t.Errorf("expected name remote, got %q", uhe.Name)
	}
}

func TestResolve_EndpointOrder(t *testing.T) {
	r := NewRegistry()
	r.DefineHosts(HostGroup{Name: "web", Endpoints: []Endpoint{
		{Kind: KindSSH, Address: "web-2"},
		{Kind: KindSSH, Address: "web-1"},
	}})

	g, err := r.Resolve("web")
	if err != nil {
		t.Fatal(err)
	}
	if g.Endpoints[0].Address != "web-2" || g.Endpoints[1].Address != "web-1" {
		t.Errorf("endpoint order not preserved: %+v", g.Endpoints)
	}
}

func TestDefineHosts_LocalIgnored(t *testing.T) {
	r := NewRegistry()
	r.DefineHosts(HostGroup{Name: LocalTarget, Endpoints: []Endpoint{{Kind: KindSSH, Address: "evil"}}})

	g, err := r.Resolve(LocalTarget)
	if err != nil {
		t.Fatal(err)
	}
	if g.Endpoints[0].Kind != KindLocal {
		t.Errorf("local group was overridden: %+v", g)
	}
}

func TestCheckTargets(t *testing.T) {
	r := NewRegistry()
	tasks := []Task{
		{ID: "a", Target: LocalTarget},
		{ID: "b", Target: "remote"},
	}
	err := r.CheckTargets(tasks)
	var uhe *UnknownHostError
	if !errors.As(err, &uhe) {
		t.Fatalf("expected *UnknownHostError, got %v", err)
	}
	if uhe.Task != "b" {
		t.Errorf("expected task b, got %q", uhe.Task)
	}

	r.DefineHosts(HostGroup{Name: "remote", Endpoints: []Endpoint{{Kind: KindSSH, Address: "h"}}})
	if err := r.CheckTargets(tasks); err != nil {
		t.Errorf("unexpected error after defining host: %v", err)
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "a", Target: "ghost"})
	r.DefineMacro("m", []string{"a", "missing"})

	errs := r.Validate()
	if len(errs) != 2 {
		t.Fatalf("expected 2 problems, got %d: %v", len(errs), errs)
	}
}

func TestReplace(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "old", Target: LocalTarget})

	next := NewRegistry()
	next.Register(Task{ID: "new", Target: LocalTarget})
	r.Replace(next)

	if _, err := r.Get("old"); err == nil {
		t.Error("expected old task to be gone")
	}
	if _, err := r.Get("new"); err != nil {
		t.Errorf("expected new task: %v", err)
	}

	// later writes to next must not leak into r
	next.Register(Task{ID: "later", Target: LocalTarget})
	if _, err := r.Get("later"); err == nil {
		t.Error("replace shares storage with source registry")
	}
}

func TestRegistry_ConcurrentReadsDuringReplace(t *testing.T) {
	r := NewRegistry()
	r.Register(Task{ID: "a", Target: LocalTarget})
	r.DefineMacro("m", []string{"a"})

	next := NewRegistry()
	next.Register(Task{ID: "a", Target: LocalTarget, Body: "v2"})
	next.DefineMacro("m", []string{"a"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := r.Expand("m"); err != nil {
					t.Errorf("expand failed: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		r.Replace(next)
	}
	wg.Wait()
}

func TestPlan_ConsistentDuringReplace(t *testing.T) {
	withMacro := NewRegistry()
	withMacro.Register(Task{ID: "a", Target: LocalTarget})
	withMacro.DefineMacro("deploy", []string{"a", "a"})

	withTask := NewRegistry()
	withTask.Register(Task{ID: "deploy", Target: LocalTarget})

	r := NewRegistry()
	r.Replace(withMacro)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tasks, err := r.Plan("deploy")
				if err != nil {
					t.Errorf("plan failed: %v", err)
					return
				}
				if len(tasks) != 1 && len(tasks) != 2 {
					t.Errorf("unexpected plan length %d", len(tasks))
					return
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			r.Replace(withTask)
		} else {
			r.Replace(withMacro)
		}
	}
	wg.Wait()
}

func TestPasswordEnvs(t *testing.T) {
	r := NewRegistry()
	r.DefineHosts(HostGroup{Name: "web", Endpoints: []Endpoint{
		{Kind: KindSSH, Address: "web-1", Auth: AuthPassword, PasswordEnv: "WEB_PW"},
		{Kind: KindSSH, Address: "web-2", Auth: AuthPassword, PasswordEnv: "WEB_PW"},
	}})
	r.DefineHosts(HostGroup{Name: "db", Endpoints: []Endpoint{
		{Kind: KindSSH, Address: "db-1", Auth: AuthPassword, PasswordEnv: "DB_PW"},
		{Kind: KindSSH, Address: "db-2"},
	}})

	got := r.PasswordEnvs()
	if len(got) != 2 || got[0] != "DB_PW" || got[1] != "WEB_PW" {
		t.Errorf("got %v, want [DB_PW WEB_PW]", got)
	}
}

func TestHostKeys(t *testing.T) {
	keys := HostKeys([]Task{
		{ID: "a", Target: LocalTarget},
		{ID: "b", Target: "web"},
		{ID: "c", Target: "db"},
		{ID: "d", Target: "web"},
	})
	if len(keys) != 2 || keys[0] != "db" || keys[1] != "web" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestEndpoint_String(t *testing.T) {
	tests := []struct {
		ep   Endpoint
		want string
	}{
		{LocalEndpoint(), "local"},
		{Endpoint{Kind: KindSSH, Address: "example.com"}, "example.com"},
		{Endpoint{Kind: KindSSH, Address: "example.com", User: "forge"}, "forge@example.com"},
	}
	for _, tt := range tests {
		if got := tt.ep.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestEndpoint_HostPort(t *testing.T) {
	if got := (Endpoint{Address: "example.com"}).HostPort(); got != "example.com:22" {
		t.Errorf("expected default port, got %q", got)
	}
	if got := (Endpoint{Address: "example.com:2222"}).HostPort(); got != "example.com:2222" {
		t.Errorf("expected explicit port kept, got %q", got)
	}
}
