// Package graph provides a generic incremental evaluator for keyed dependency
// graphs.
//
// A Resolver owns an immutable snapshot of nodes and memoizes one output per
// key. Dependencies are evaluated before their dependents using an explicit
// stack, so very deep graphs do not grow the goroutine stack. Failures are
// memoized as well: asking again for a failed key returns the recorded error
// without calling the processor a second time.
//
// A Resolver is not safe for concurrent use. Each evaluation pass is expected
// to run on a single goroutine over its own Resolver.
package graph

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Outputs is a read-only view over the outputs computed so far.
type Outputs[O any] interface {
	// Get returns the output for key, if it has been computed.
	Get(key string) (O, bool)

	// Len returns the number of computed outputs.
	Len() int
}

// Processor supplies the domain logic of a resolver.
type Processor[N, O any] interface {
	// Dependencies returns the keys the node depends on. Keys that are not
	// part of the graph are allowed; their outputs are simply absent.
	Dependencies(node N) []string

	// Process computes the output of a node. Outputs of all dependencies that
	// could be evaluated are available through outputs.
	Process(key string, node N, outputs Outputs[O]) (O, error)
}

// Option configures a Resolver.
type Option func(*config)

type config struct {
	name   string
	logger zerolog.Logger
	hook   func(key string, dependents []string)
}

// WithName sets the resolver name used in log fields.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithDependentsHook registers a callback invoked whenever the set of keys
// depending on key changes.
func WithDependentsHook(hook func(key string, dependents []string)) Option {
	return func(c *config) { c.hook = hook }
}

// Resolver evaluates a keyed graph with memoization and transitive invalidation.
type Resolver[N, O any] struct {
	name   string
	logger zerolog.Logger
	hook   func(key string, dependents []string)

	nodes     map[string]N
	processor Processor[N, O]

	outputs  map[string]O
	failures map[string]error

	// dependencies holds the keys recorded when a node was last expanded.
	dependencies map[string][]string

	// dependents is the inverse of dependencies.
	dependents map[string]map[string]struct{}

	// aborted holds the fatal error of the current pass, if any.
	aborted error
}

// New creates a resolver over a snapshot of nodes.
func New[N, O any](nodes map[string]N, processor Processor[N, O], opts ...Option) *Resolver[N, O] {
	cfg := config{name: "graph", logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	snapshot := make(map[string]N, len(nodes))
	for k, v := range nodes {
		snapshot[k] = v
	}

	return &Resolver[N, O]{
		name:         cfg.name,
		logger:       cfg.logger.With().Str("component", "graph-resolver").Str("resolver", cfg.name).Logger(),
		hook:         cfg.hook,
		nodes:        snapshot,
		processor:    processor,
		outputs:      make(map[string]O, len(nodes)),
		failures:     make(map[string]error),
		dependencies: make(map[string][]string, len(nodes)),
		dependents:   make(map[string]map[string]struct{}),
	}
}

// Name returns the resolver name.
func (r *Resolver[N, O]) Name() string {
	return r.name
}

// Outputs returns a read-only view of the computed outputs.
func (r *Resolver[N, O]) Outputs() Outputs[O] {
	return outputView[O]{m: r.outputs}
}

// OutputMap returns a copy of the computed outputs.
func (r *Resolver[N, O]) OutputMap() map[string]O {
	out := make(map[string]O, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return out
}

// Errors returns a copy of the recorded per-key failures.
func (r *Resolver[N, O]) Errors() map[string]error {
	out := make(map[string]error, len(r.failures))
	for k, v := range r.failures {
		out[k] = v
	}
	return out
}

// Keys returns the node keys in lexical order.
func (r *Resolver[N, O]) Keys() []string {
	keys := make([]string, 0, len(r.nodes))
	for k := range r.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Node returns the node stored under key.
func (r *Resolver[N, O]) Node(key string) (N, bool) {
	n, ok := r.nodes[key]
	return n, ok
}

// Dependencies returns the dependency keys recorded for key during evaluation.
func (r *Resolver[N, O]) Dependencies(key string) []string {
	return append([]string(nil), r.dependencies[key]...)
}

// Dependents returns the keys known to depend on key, in lexical order.
func (r *Resolver[N, O]) Dependents(key string) []string {
	return sortedSet(r.dependents[key])
}

// Resolve evaluates key and everything it depends on.
func (r *Resolver[N, O]) Resolve(key string) (O, error) {
	var zero O

	if err := r.evaluate(key); err != nil {
		return zero, err
	}
	if err, ok := r.failures[key]; ok {
		return zero, err
	}
	out, ok := r.outputs[key]
	if !ok {
		return zero, &EvaluationError{Kind: KindNode, Key: key, Err: ErrNodeNotFound}
	}
	return out, nil
}

// ResolveAll evaluates every node in lexical key order. Per-node failures are
// recorded and available through Errors; only an aborting error is returned.
func (r *Resolver[N, O]) ResolveAll() error {
	for _, key := range r.Keys() {
		if err := r.evaluate(key); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops the memoized result of key and of every transitive
// dependent. It returns the invalidated keys in lexical order.
func (r *Resolver[N, O]) Invalidate(key string) []string {
	r.aborted = nil

	visited := map[string]struct{}{key: {}}
	queue := []string{key}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		delete(r.outputs, current)
		delete(r.failures, current)

		for dependent := range r.dependents[current] {
			if _, seen := visited[dependent]; seen {
				continue
			}
			visited[dependent] = struct{}{}
			queue = append(queue, dependent)
		}
	}

	invalidated := sortedSet(visited)
	r.logger.Debug().
		Str("key", key).
		Int("invalidated", len(invalidated)).
		Msg("Invalidated graph node")
	return invalidated
}

// SetNode replaces or adds a node and invalidates it together with its dependents.
func (r *Resolver[N, O]) SetNode(key string, node N) []string {
	r.nodes[key] = node
	return r.Invalidate(key)
}

// RemoveNode removes a node and invalidates its dependents.
func (r *Resolver[N, O]) RemoveNode(key string) []string {
	delete(r.nodes, key)
	r.setDependencies(key, nil)
	delete(r.dependencies, key)
	return r.Invalidate(key)
}

type frame struct {
	key      string
	expanded bool
}

// evaluate runs an iterative depth-first evaluation rooted at key. Only
// aborting errors are returned.
func (r *Resolver[N, O]) evaluate(root string) error {
	if r.aborted != nil {
		return r.aborted
	}

	inProgress := make(map[string]bool)
	stack := []frame{{key: root}}

	for len(stack) > 0 {
		top := len(stack) - 1
		key := stack[top].key

		if r.done(key) {
			stack = stack[:top]
			continue
		}

		node, ok := r.nodes[key]
		if !ok {
			stack = stack[:top]
			continue
		}

		if !stack[top].expanded {
			stack[top].expanded = true
			inProgress[key] = true

			raw, err := r.safeDependencies(node)
			if err != nil {
				stack = stack[:top]
				delete(inProgress, key)
				r.setDependencies(key, nil)
				r.failures[key] = &EvaluationError{Kind: KindNode, Key: key, Err: err}
				r.logger.Warn().Err(err).Str("key", key).Msg("Node dependencies failed")
				continue
			}
			deps := dedupe(raw)
			r.setDependencies(key, deps)

			for i := len(deps) - 1; i >= 0; i-- {
				dep := deps[i]
				if r.done(dep) {
					continue
				}
				if _, exists := r.nodes[dep]; !exists {
					continue
				}
				if inProgress[dep] {
					return r.abortCycle(stack, dep)
				}
				stack = append(stack, frame{key: dep})
			}
			continue
		}

		stack = stack[:top]
		delete(inProgress, key)

		if err := r.process(key, node); err != nil {
			return err
		}
	}

	return nil
}

// process computes a single node whose dependencies have all been evaluated.
func (r *Resolver[N, O]) process(key string, node N) error {
	for _, dep := range r.dependencies[key] {
		if depErr, failed := r.failures[dep]; failed {
			r.failures[key] = &EvaluationError{Kind: KindDependency, Key: key, Err: depErr}
			r.logger.Debug().Str("key", key).Str("dependency", dep).Msg("Skipping node with failed dependency")
			return nil
		}
	}

	out, err := r.safeProcess(key, node)
	if err == nil {
		r.outputs[key] = out
		return nil
	}

	kind := KindNode
	if KindOf(err) == KindFatal {
		kind = KindFatal
	}
	evalErr := &EvaluationError{Kind: kind, Key: key, Err: err}
	r.failures[key] = evalErr

	if kind.Aborts() {
		r.aborted = evalErr
		r.logger.Error().Err(err).Str("key", key).Msg("Evaluation aborted")
		return evalErr
	}

	r.logger.Warn().Err(err).Str("key", key).Msg("Node evaluation failed")
	return nil
}

func (r *Resolver[N, O]) safeProcess(key string, node N) (out O, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.processor.Process(key, node, outputView[O]{m: r.outputs})
}

func (r *Resolver[N, O]) safeDependencies(node N) (deps []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.processor.Dependencies(node), nil
}

// abortCycle records a cycle error for every key on the cycle path.
func (r *Resolver[N, O]) abortCycle(stack []frame, dep string) error {
	path := make([]string, 0, len(stack)+1)
	started := false
	for _, f := range stack {
		if !f.expanded {
			continue
		}
		if f.key == dep {
			started = true
		}
		if started {
			path = append(path, f.key)
		}
	}
	path = append(path, dep)

	err := &EvaluationError{Kind: KindCycle, Key: dep, Path: path, Err: ErrCycle}
	for _, key := range path {
		r.failures[key] = err
	}
	r.aborted = err

	r.logger.Error().Strs("path", path).Msg("Cyclic dependency detected")
	return err
}

func (r *Resolver[N, O]) done(key string) bool {
	if _, ok := r.outputs[key]; ok {
		return true
	}
	_, failed := r.failures[key]
	return failed
}

// setDependencies records the dependencies of key and keeps the inverse
// edges in sync.
func (r *Resolver[N, O]) setDependencies(key string, deps []string) {
	next := make(map[string]struct{}, len(deps))
	for _, dep := range deps {
		next[dep] = struct{}{}
	}

	changed := make(map[string]struct{})
	for _, old := range r.dependencies[key] {
		if _, kept := next[old]; kept {
			continue
		}
		delete(r.dependents[old], key)
		changed[old] = struct{}{}
	}

	for dep := range next {
		set, ok := r.dependents[dep]
		if !ok {
			set = make(map[string]struct{})
			r.dependents[dep] = set
		}
		if _, present := set[key]; !present {
			set[key] = struct{}{}
			changed[dep] = struct{}{}
		}
	}

	if deps != nil {
		r.dependencies[key] = deps
	}

	if r.hook == nil {
		return
	}
	for _, dep := range sortedSet(changed) {
		r.hook(dep, sortedSet(r.dependents[dep]))
	}
}

type outputView[O any] struct {
	m map[string]O
}

func (v outputView[O]) Get(key string) (O, bool) {
	o, ok := v.m[key]
	return o, ok
}

func (v outputView[O]) Len() int {
	return len(v.m)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
