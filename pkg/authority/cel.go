package authority

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/kwstx/mandate/pkg/identity"
)

// ConditionEvaluator compiles and caches CEL condition expressions.
// Programs are keyed by expression text; the environment exposes the
// identity's claim surface.
type ConditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEvaluator builds the CEL environment for policy
// condition expressions.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("environment", cel.StringType),
		cel.Variable("region", cel.StringType),
		cel.Variable("labels", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("departments", cel.ListType(cel.StringType)),
		cel.Variable("as_of", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("authority: cel environment: %w", err)
	}
	return &ConditionEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Evaluate runs expr against the build input. Any compile or runtime
// error fails closed: Evaluate returns false together with the error,
// and the builder treats the condition as unsatisfied.
func (e *ConditionEvaluator) Evaluate(expr string, in Input) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	labels := in.Identity.Context.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	roleIDs := make([]string, 0, len(in.Roles))
	for _, r := range in.Roles {
		roleIDs = append(roleIDs, r.ID)
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"environment": string(in.Identity.Context.Environment),
		"region":      in.Identity.Context.Region,
		"labels":      labels,
		"roles":       roleIDs,
		"departments": in.Departments,
		"as_of":       in.AsOf.Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("authority: cel evaluation: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("authority: cel expression %q is not boolean", expr)
	}
	return result, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("authority: cel compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("authority: cel program %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func containsEnv(envs []identity.Environment, env identity.Environment) bool {
	for _, e := range envs {
		if e == env {
			return true
		}
	}
	return false
}

func containsAny(haystack, needles []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, n := range needles {
		if set[n] {
			return true
		}
	}
	return false
}
