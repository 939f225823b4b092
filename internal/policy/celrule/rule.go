// Package celrule loads operator-authored decision rules from a policies
// directory. Each rule is a single CEL expression compiled once at load time
// and evaluated against the request and claims; loose verdict values are
// adapted to the engine's tagged decision at the module boundary.
package celrule

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/uwcirg/fhirgate/internal/policy"
)

// Suffix is the registered loadable suffix for rule files.
const Suffix = ".cel"

// Rule is a policy module backed by a compiled CEL program. It exposes only
// the evaluate capability.
type Rule struct {
	name    string
	source  string
	program cel.Program
	logger  *slog.Logger
}

// Name returns the module name derived from the file stem.
func (r *Rule) Name() string { return r.name }

// Evaluate runs the program and adapts its result. Evaluation errors are
// logged and mapped to Undecided so one broken rule cannot wedge the chain.
func (r *Rule) Evaluate(req *policy.Request, claims policy.Claims) policy.Decision {
	out, _, err := r.program.Eval(activation(req, claims))
	if err != nil {
		r.logger.Error("rule evaluation failed",
			slog.String("policy", r.name),
			slog.Any("error", err),
		)
		return policy.NoDecision()
	}
	return AdaptVerdict(nativeValue(out))
}

// nativeValue unwraps CEL aggregate values into plain Go slices and maps so
// the verdict adapter sees one representation.
func nativeValue(v ref.Val) any {
	switch val := v.(type) {
	case traits.Lister:
		var out []any
		for it := val.Iterator(); it.HasNext() == types.True; {
			out = append(out, nativeValue(it.Next()))
		}
		return out
	case traits.Mapper:
		out := map[string]any{}
		for it := val.Iterator(); it.HasNext() == types.True; {
			key := it.Next()
			name, _ := key.Value().(string)
			if value, found := val.Find(key); found {
				out[name] = nativeValue(value)
			}
		}
		return out
	default:
		return v.Value()
	}
}

// Environment declares the CEL variables rule expressions may reference.
func Environment() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("celrule: build environment: %w", err)
	}
	return env, nil
}

// Compile builds a rule module from a named CEL expression.
func Compile(env *cel.Env, name, expression string, logger *slog.Logger) (*Rule, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return nil, fmt.Errorf("celrule: %s: expression required", name)
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celrule: compile %s: %w", name, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("celrule: program %s: %w", name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rule{name: name, source: source, program: program, logger: logger}, nil
}

// LoadDir discovers rule files in dir: entries ending in the loadable suffix
// and not starting with "__", in byte-wise ascending name order. A missing or
// unreadable directory yields no modules and a logged warning; a file that
// fails to load is logged and skipped.
func LoadDir(dir string, logger *slog.Logger) []policy.Module {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(dir) == "" {
		logger.Debug("policies directory not configured")
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("policies directory not readable",
			slog.String("dir", dir),
			slog.Any("error", err),
		)
		return nil
	}

	env, err := Environment()
	if err != nil {
		logger.Error("policy rule environment setup failed", slog.Any("error", err))
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, Suffix) || strings.HasPrefix(name, "__") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	modules := make([]policy.Module, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		source, err := os.ReadFile(path)
		if err != nil {
			logger.Error("failed to read policy rule", slog.String("path", path), slog.Any("error", err))
			continue
		}
		stem := strings.TrimSuffix(name, Suffix)
		rule, err := Compile(env, stem, string(source), logger)
		if err != nil {
			logger.Error("failed to load policy rule", slog.String("path", path), slog.Any("error", err))
			continue
		}
		modules = append(modules, rule)
	}
	return modules
}

// AdaptVerdict translates the loose values a rule may yield into the tagged
// decision: booleans, the case-insensitive strings "allow"/"deny", a
// [verdict, message] pair, or a {"verdict": ..., "message": ...} map. Any
// other value is conservatively Undecided.
func AdaptVerdict(value any) policy.Decision {
	verdict, message := splitVerdict(value)
	switch v := verdict.(type) {
	case bool:
		if v {
			return policy.Allowed()
		}
		return policy.Denied(message)
	case string:
		switch strings.ToLower(v) {
		case "allow":
			return policy.Allowed()
		case "deny":
			return policy.Denied(message)
		}
	}
	return policy.NoDecision()
}

func splitVerdict(value any) (any, string) {
	switch v := value.(type) {
	case []any:
		if len(v) == 0 {
			return nil, ""
		}
		message := ""
		if len(v) > 1 {
			message, _ = v[1].(string)
		}
		return v[0], message
	case map[string]any:
		message, _ := v["message"].(string)
		return v["verdict"], message
	case map[any]any:
		message, _ := v["message"].(string)
		return v["verdict"], message
	default:
		return value, ""
	}
}

func activation(req *policy.Request, claims policy.Claims) map[string]any {
	headers := make(map[string]any, len(req.Header))
	for key, values := range req.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}
	query := make(map[string]any, len(req.Query))
	for key, values := range req.Query {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	claimsMap := map[string]any{}
	for key, value := range claims {
		claimsMap[key] = value
	}
	return map[string]any{
		"request": map[string]any{
			"method":  req.Method,
			"path":    req.Path,
			"headers": headers,
			"query":   query,
		},
		"claims": claimsMap,
	}
}
