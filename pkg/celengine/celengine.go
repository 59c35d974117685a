package celengine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

var (
	envCache     = sync.Map{}
	programCache = sync.Map{}
)

// GetOrBuildEnv returns a CEL environment declaring one variable per
// attribute. Environments are cached by their variable signature.
func GetOrBuildEnv(attrs map[string]any) (*cel.Env, error) {
	key := signature(attrs)
	if v, ok := envCache.Load(key); ok {
		return v.(*cel.Env), nil
	}

	env, err := BuildCelEnvFromAttributes(attrs)
	if err == nil {
		envCache.Store(key, env)
	}

	return env, err
}

func signature(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		keys = append(keys, fmt.Sprintf("%s:%T", k, v))
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func BuildCelEnvFromAttributes(attrs map[string]any) (*cel.Env, error) {
	var variables []cel.EnvOption

	for key, val := range attrs {
		switch v := val.(type) {
		case string:
			variables = append(variables, cel.Variable(key, cel.StringType))

		case int, int32, int64:
			variables = append(variables, cel.Variable(key, cel.IntType))

		case float32, float64:
			variables = append(variables, cel.Variable(key, cel.DoubleType))

		case bool:
			variables = append(variables, cel.Variable(key, cel.BoolType))

		case []string:
			variables = append(variables, cel.Variable(key, cel.ListType(cel.StringType)))

		case []any:
			if len(v) > 0 {
				if _, ok := v[0].(map[string]any); ok {
					variables = append(variables, cel.Variable(key, cel.ListType(cel.MapType(cel.StringType, cel.DynType))))
					continue
				}
			}
			variables = append(variables, cel.Variable(key, cel.ListType(cel.DynType)))

		case []map[string]any:
			variables = append(variables, cel.Variable(key, cel.ListType(cel.MapType(cel.StringType, cel.DynType))))

		case map[string]any:
			variables = append(variables, cel.Variable(key, cel.MapType(cel.StringType, cel.DynType)))

		default:
			zap.L().Debug("unhandled cel attribute type", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", val)))
			variables = append(variables, cel.Variable(key, cel.DynType))
		}
	}

	return cel.NewEnv(variables...)
}

func StructToMap(s any) map[string]any {
	if s == nil {
		return map[string]any{}
	}

	b, err := json.Marshal(s)
	if err != nil {
		zap.L().Debug("failed StructToMap Marshal", zap.Error(err))
		return map[string]any{}
	}

	var result map[string]any
	if err := json.Unmarshal(b, &result); err != nil {
		zap.L().Debug("failed StructToMap Unmarshal", zap.Error(err))
		return map[string]any{}
	}

	return result
}

// ValidateExpression compiles expr and checks that it yields a bool.
func ValidateExpression(env *cel.Env, expr string) error {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return fmt.Errorf("expression must evaluate to bool, got %s", out)
	}
	return nil
}

func program(env *cel.Env, sig, expr string) (cel.Program, error) {
	key := sig + "|" + expr
	if v, ok := programCache.Load(key); ok {
		return v.(cel.Program), nil
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	programCache.Store(key, prg)
	return prg, nil
}

// Evaluate runs a boolean expression against attrs.
func Evaluate(expr string, attrs map[string]any) (bool, error) {
	env, err := GetOrBuildEnv(attrs)
	if err != nil {
		return false, err
	}

	prg, err := program(env, signature(attrs), expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}
