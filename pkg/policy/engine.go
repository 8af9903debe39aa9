package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stratus/pkg/engine"
	"github.com/openfroyo/stratus/pkg/planner"
)

// Engine evaluates plans against Rego guardrails before they launch.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(map[string]interface{}{"stratus": map[string]interface{}{}}),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range GetBuiltinPolicies() {
		if err := e.compileAndStore(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}

	return e, nil
}

// EvaluatePlan runs every enabled policy against the plan and the request
// that produced it.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, req planner.Request) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}

	start := time.Now()
	input, err := toInput(Input{Plan: plan, Request: req})
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, Violations: []Violation{}, EvaluatedAt: start.UTC()}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Failed to evaluate policy")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
			}
			result.Violations = append(result.Violations, v)
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("policies", len(result.EvaluatedPolicies)).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", result.Duration).
		Msg("Plan evaluated")

	return result, nil
}

// CheckPlan rejects plans with blocking violations. Non-blocking findings are
// logged.
func (e *Engine) CheckPlan(ctx context.Context, plan *engine.Plan, req planner.Request) error {
	result, err := e.EvaluatePlan(ctx, plan, req)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).WithCode(engine.ErrCodeInternal)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocks() {
			continue
		}
		e.logger.Warn().
			Str("policy", v.Policy).
			Str("instance_id", v.InstanceID).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}

	if result.Allowed {
		return nil
	}

	blocking := result.Blocking()
	messages := make([]string, 0, len(blocking))
	for _, v := range blocking {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewPermanentError(fmt.Sprintf("plan rejected by %d policy violation(s)", len(blocking)), nil).
		WithCode(engine.ErrCodePolicyViolation).
		WithDetail("violations", messages)
}

// LoadPolicies loads user policies from files and directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for _, p := range policies {
		if err := e.compileAndStore(ctx, p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Loaded user policies")
	return nil
}

// ReplaceUserPolicies swaps all non built-in policies for the given set. It
// is the reload callback for Loader.Watch. Nothing changes if any policy
// fails to compile.
func (e *Engine) ReplaceUserPolicies(policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if p.Builtin {
			continue
		}
		cp, err := e.compile(context.Background(), p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("User policy shadows a built-in policy, skipping")
			continue
		}
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Reloaded user policies")
	return nil
}

// SetData publishes a document under data.stratus.<key> for policies to
// reference.
func (e *Engine) SetData(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode data %s: %w", key, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode data %s: %w", key, err)
	}

	path, ok := storage.ParsePath("/stratus/" + key)
	if !ok {
		return fmt.Errorf("invalid data key %q", key)
	}
	return storage.WriteOne(ctx, e.store, storage.AddOp, path, doc)
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			members, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, m := range members {
				violations = append(violations, createViolation(cp.policy, m))
			}
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].InstanceID != violations[j].InstanceID {
			return violations[i].InstanceID < violations[j].InstanceID
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation turns one deny member into a Violation. Strings become the
// message; objects may carry message, severity, instance and details.
func createViolation(p *Policy, member interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch m := member.(type) {
	case string:
		v.Message = m
	case map[string]interface{}:
		if msg, ok := m["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := m["severity"].(string); ok && Severity(sev).Valid() {
			v.Severity = Severity(sev)
		}
		if inst, ok := m["instance"].(string); ok {
			v.InstanceID = inst
		}
		if details, ok := m["details"].(map[string]interface{}); ok {
			v.Details = details
		}
	default:
		v.Message = fmt.Sprintf("%v", m)
	}

	if v.Message == "" {
		v.Message = p.Description
	}
	return v
}

func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.Valid() {
		return nil, fmt.Errorf("unknown severity %q", p.Severity)
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(p.Name+".rego", p.Rego),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy: %w", err)
	}

	return &compiledPolicy{
		policy:   &p,
		module:   module,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

func (e *Engine) compileAndStore(ctx context.Context, p Policy) error {
	cp, err := e.compile(ctx, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = cp

	e.logger.Debug().
		Str("policy", p.Name).
		Str("package", cp.module.Package.Path.String()).
		Bool("builtin", p.Builtin).
		Msg("Compiled policy")
	return nil
}

// GetPolicy retrieves a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// EnablePolicy enables a policy.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toInput converts the input through JSON so Rego sees the wire field names.
func toInput(in Input) (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

// Watch reloads user policies from paths whenever they change on disk.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	if err := loader.Watch(ctx, paths, e.ReplaceUserPolicies); err != nil {
		return nil, err
	}
	return loader, nil
}
