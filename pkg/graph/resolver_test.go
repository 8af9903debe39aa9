package graph

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// sumNode adds its own value to the outputs of its dependencies.
type sumNode struct {
	value int
	deps  []string
	fail  error
	panic bool

	// depsPanic makes Dependencies panic.
	depsPanic bool
}

type sumProcessor struct {
	calls map[string]int
}

func newSumProcessor() *sumProcessor {
	return &sumProcessor{calls: make(map[string]int)}
}

func (p *sumProcessor) Dependencies(node sumNode) []string {
	if node.depsPanic {
		panic("no deps")
	}
	return node.deps
}

func (p *sumProcessor) Process(key string, node sumNode, outputs Outputs[int]) (int, error) {
	p.calls[key]++
	if node.panic {
		panic("boom")
	}
	if node.fail != nil {
		return 0, node.fail
	}
	total := node.value
	for _, dep := range node.deps {
		if v, ok := outputs.Get(dep); ok {
			total += v
		}
	}
	return total, nil
}

func TestResolver_Resolve_Diamond(t *testing.T) {
	nodes := map[string]sumNode{
		"a": {value: 1},
		"b": {value: 10, deps: []string{"a"}},
		"c": {value: 100, deps: []string{"a"}},
		"d": {value: 1000, deps: []string{"b", "c"}},
	}
	proc := newSumProcessor()
	r := New[sumNode, int](nodes, proc)

	got, err := r.Resolve("d")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != 1112 {
		t.Errorf("Expected 1112, got %d", got)
	}

	for key, count := range proc.calls {
		if count != 1 {
			t.Errorf("Expected %s to be processed once, got %d", key, count)
		}
	}
	if r.Outputs().Len() != 4 {
		t.Errorf("Expected 4 outputs, got %d", r.Outputs().Len())
	}

	if _, err := r.Resolve("d"); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if proc.calls["d"] != 1 {
		t.Errorf("Expected memoized output, d processed %d times", proc.calls["d"])
	}
}

func TestResolver_Resolve_MissingDependencyIsNotAnError(t *testing.T) {
	nodes := map[string]sumNode{
		"a": {value: 5, deps: []string{"ghost"}},
	}
	r := New[sumNode, int](nodes, newSumProcessor())

	got, err := r.Resolve("a")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != 5 {
		t.Errorf("Expected 5, got %d", got)
	}
}

func TestResolver_Resolve_UnknownKey(t *testing.T) {
	r := New[sumNode, int](map[string]sumNode{}, newSumProcessor())
	_, err := r.Resolve("nope")
	if !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Expected ErrNodeNotFound, got %v", err)
	}
}

func TestResolver_Resolve_CachedFailure(t *testing.T) {
	failure := errors.New("bad config")
	nodes := map[string]sumNode{
		"a":         {fail: failure},
		"b":         {value: 1, deps: []string{"a"}},
		"unrelated": {value: 7},
	}
	proc := newSumProcessor()
	r := New[sumNode, int](nodes, proc)

	if err := r.ResolveAll(); err != nil {
		t.Fatalf("ResolveAll returned %v, expected per-node failures only", err)
	}

	_, errA := r.Resolve("a")
	if !errors.Is(errA, failure) {
		t.Errorf("Expected a to fail with %v, got %v", failure, errA)
	}
	if KindOf(errA) != KindNode {
		t.Errorf("Expected node kind, got %s", KindOf(errA))
	}

	_, errB := r.Resolve("b")
	if KindOf(errB) != KindDependency {
		t.Errorf("Expected dependency kind, got %s", KindOf(errB))
	}
	if !errors.Is(errB, failure) {
		t.Errorf("Expected b to wrap the failure of a, got %v", errB)
	}
	if RootCause(errB) != errA {
		t.Errorf("Expected root cause to be the error of a")
	}

	if proc.calls["a"] != 1 {
		t.Errorf("Expected failed node to be processed once, got %d", proc.calls["a"])
	}
	if proc.calls["b"] != 0 {
		t.Errorf("Expected dependent of failed node not to be processed, got %d", proc.calls["b"])
	}

	if v, err := r.Resolve("unrelated"); err != nil || v != 7 {
		t.Errorf("Expected unrelated subgraph to resolve to 7, got %d, %v", v, err)
	}
}

func TestResolver_Resolve_PanicIsRecorded(t *testing.T) {
	nodes := map[string]sumNode{"a": {panic: true}}
	r := New[sumNode, int](nodes, newSumProcessor())

	_, err := r.Resolve("a")
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Errorf("Expected recovered panic error, got %v", err)
	}
}

func TestResolver_ResolveAll_DependenciesPanicIsRecorded(t *testing.T) {
	nodes := map[string]sumNode{
		"a": {depsPanic: true},
		"b": {value: 1, deps: []string{"a"}},
		"c": {value: 3},
	}
	r := New[sumNode, int](nodes, newSumProcessor())

	if err := r.ResolveAll(); err != nil {
		t.Fatalf("Expected the pass to continue, got %v", err)
	}

	errs := r.Errors()
	var evalErr *EvaluationError
	if !errors.As(errs["a"], &evalErr) || evalErr.Kind != KindNode {
		t.Fatalf("Expected node error for a, got %v", errs["a"])
	}
	if !strings.Contains(errs["a"].Error(), "panic: no deps") {
		t.Errorf("Expected recovered panic error, got %v", errs["a"])
	}
	if !errors.As(errs["b"], &evalErr) || evalErr.Kind != KindDependency {
		t.Errorf("Expected dependency error for b, got %v", errs["b"])
	}
	if v, err := r.Resolve("c"); err != nil || v != 3 {
		t.Errorf("Expected c=3, got %d (%v)", v, err)
	}
}

func TestResolver_Resolve_FatalAbortsPass(t *testing.T) {
	nodes := map[string]sumNode{
		"a": {value: 1},
		"b": {fail: Fatal(errors.New("name conflict"))},
		"c": {value: 3},
	}
	proc := newSumProcessor()
	r := New[sumNode, int](nodes, proc)

	err := r.ResolveAll()
	if err == nil {
		t.Fatal("Expected fatal error")
	}
	if !IsFatal(err) {
		t.Errorf("Expected IsFatal, got kind %s", KindOf(err))
	}
	if proc.calls["c"] != 0 {
		t.Errorf("Expected pass to stop before c, c processed %d times", proc.calls["c"])
	}

	if _, err := r.Resolve("c"); !IsFatal(err) {
		t.Errorf("Expected subsequent Resolve to return the fatal error, got %v", err)
	}
}

func TestResolver_Resolve_CycleFailsFast(t *testing.T) {
	nodes := map[string]sumNode{
		"a": {deps: []string{"b"}},
		"b": {deps: []string{"c"}},
		"c": {deps: []string{"a"}},
	}
	r := New[sumNode, int](nodes, newSumProcessor())

	_, err := r.Resolve("a")
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("Expected cycle error, got %v", err)
	}
	if KindOf(err) != KindCycle {
		t.Errorf("Expected cycle kind, got %s", KindOf(err))
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Errorf("Expected cycle path in error, got %q", err.Error())
	}
}

func TestResolver_Resolve_SelfCycle(t *testing.T) {
	nodes := map[string]sumNode{"a": {deps: []string{"a"}}}
	r := New[sumNode, int](nodes, newSumProcessor())

	if _, err := r.Resolve("a"); !errors.Is(err, ErrCycle) {
		t.Errorf("Expected cycle error, got %v", err)
	}
}

func TestResolver_Resolve_DeepChain(t *testing.T) {
	const depth = 200000
	nodes := make(map[string]sumNode, depth)
	for i := 0; i < depth; i++ {
		node := sumNode{value: 1}
		if i > 0 {
			node.deps = []string{fmt.Sprintf("n%d", i-1)}
		}
		nodes[fmt.Sprintf("n%d", i)] = node
	}
	r := New[sumNode, int](nodes, newSumProcessor())

	got, err := r.Resolve(fmt.Sprintf("n%d", depth-1))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != depth {
		t.Errorf("Expected %d, got %d", depth, got)
	}
}

func TestResolver_Invalidate_Transitive(t *testing.T) {
	nodes := map[string]sumNode{
		"a":     {value: 1},
		"b":     {value: 10, deps: []string{"a"}},
		"c":     {value: 100, deps: []string{"b"}},
		"other": {value: 5},
	}
	proc := newSumProcessor()
	r := New[sumNode, int](nodes, proc)
	if err := r.ResolveAll(); err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}

	invalidated := r.SetNode("a", sumNode{value: 2})
	if strings.Join(invalidated, ",") != "a,b,c" {
		t.Errorf("Expected a,b,c to be invalidated, got %v", invalidated)
	}
	if _, ok := r.Outputs().Get("other"); !ok {
		t.Error("Expected unrelated output to be kept")
	}

	got, err := r.Resolve("c")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != 112 {
		t.Errorf("Expected 112, got %d", got)
	}
	if proc.calls["c"] != 2 || proc.calls["other"] != 1 {
		t.Errorf("Unexpected process counts: %v", proc.calls)
	}
}

func TestResolver_Invalidate_ClearsFailure(t *testing.T) {
	nodes := map[string]sumNode{
		"a": {fail: errors.New("broken")},
		"b": {value: 1, deps: []string{"a"}},
	}
	r := New[sumNode, int](nodes, newSumProcessor())
	_ = r.ResolveAll()

	r.SetNode("a", sumNode{value: 4})
	got, err := r.Resolve("b")
	if err != nil {
		t.Fatalf("Expected b to recover after fixing a, got %v", err)
	}
	if got != 5 {
		t.Errorf("Expected 5, got %d", got)
	}
}

func TestResolver_DependentsHook(t *testing.T) {
	nodes := map[string]sumNode{
		"a": {},
		"b": {deps: []string{"a"}},
		"c": {deps: []string{"a", "a"}},
	}

	seen := make(map[string][]string)
	r := New[sumNode, int](nodes, newSumProcessor(), WithDependentsHook(func(key string, dependents []string) {
		seen[key] = dependents
	}))
	if err := r.ResolveAll(); err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}

	if strings.Join(seen["a"], ",") != "b,c" {
		t.Errorf("Expected dependents of a to be b,c, got %v", seen["a"])
	}
	if strings.Join(r.Dependents("a"), ",") != "b,c" {
		t.Errorf("Expected Dependents(a) = b,c, got %v", r.Dependents("a"))
	}
	if len(r.Dependencies("c")) != 1 {
		t.Errorf("Expected duplicate dependency keys to be collapsed, got %v", r.Dependencies("c"))
	}

	r.RemoveNode("b")
	if strings.Join(seen["a"], ",") != "c" {
		t.Errorf("Expected hook to report removal, got %v", seen["a"])
	}
}

func TestErrorKind_Aborts(t *testing.T) {
	cases := map[ErrorKind]bool{
		KindNode:       false,
		KindDependency: false,
		KindCycle:      true,
		KindFatal:      true,
	}
	for kind, want := range cases {
		if kind.Aborts() != want {
			t.Errorf("%s.Aborts() = %v, expected %v", kind, kind.Aborts(), want)
		}
	}
}
