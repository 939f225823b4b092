package policy

import (
	"log/slog"
	"sort"
)

// DecisionRule pairs an evaluator with its originating module name for audit
// and logging.
type DecisionRule struct {
	Name string
	Rule Evaluator
}

// NamedRequestTransformer pairs a request transformer with its module name.
type NamedRequestTransformer struct {
	Name      string
	Transform RequestTransformer
}

// NamedResponseTransformer pairs a response transformer with its module name.
type NamedResponseTransformer struct {
	Name      string
	Transform ResponseTransformer
}

// Registry holds the ordered capability views built from the loaded policy
// modules. It is populated once and read-only afterward, so request handling
// never takes a lock to walk it.
type Registry struct {
	rules                []DecisionRule
	requestTransformers  []NamedRequestTransformer
	responseTransformers []NamedResponseTransformer
}

// NewRegistry sorts the modules byte-wise ascending by name and caches the
// three capability views. The ordering is load-bearing: the shipped rule set
// relies on numeric name prefixes for precedence. Modules exposing no
// capability are logged at warning level and dropped.
func NewRegistry(logger *slog.Logger, modules []Module) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ordered := make([]Module, len(modules))
	copy(ordered, modules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Name() < ordered[j].Name()
	})

	reg := &Registry{}
	for _, mod := range ordered {
		name := mod.Name()
		capabilities := 0
		if rule, ok := mod.(Evaluator); ok {
			reg.rules = append(reg.rules, DecisionRule{Name: name, Rule: rule})
			capabilities++
		}
		if tr, ok := mod.(RequestTransformer); ok {
			reg.requestTransformers = append(reg.requestTransformers, NamedRequestTransformer{Name: name, Transform: tr})
			capabilities++
		}
		if tr, ok := mod.(ResponseTransformer); ok {
			reg.responseTransformers = append(reg.responseTransformers, NamedResponseTransformer{Name: name, Transform: tr})
			capabilities++
		}
		if capabilities == 0 {
			logger.Warn("policy module exposes no capabilities", slog.String("policy", name))
			continue
		}
		logger.Info("loaded policy module", slog.String("policy", name))
	}
	return reg
}

// Rules returns the ordered decision rule view.
func (r *Registry) Rules() []DecisionRule { return r.rules }

// RequestTransformers returns the ordered request transformer view.
func (r *Registry) RequestTransformers() []NamedRequestTransformer {
	return r.requestTransformers
}

// ResponseTransformers returns the ordered response transformer view.
func (r *Registry) ResponseTransformers() []NamedResponseTransformer {
	return r.responseTransformers
}
