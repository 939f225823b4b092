package policy

import (
	"fmt"
	"log/slog"
)

// DecisionEngine walks the registry's decision rules in order and returns the
// first terminal verdict.
type DecisionEngine struct {
	logger *slog.Logger
}

// NewDecisionEngine builds the engine with the given logger.
func NewDecisionEngine(logger *slog.Logger) *DecisionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionEngine{logger: logger.With(slog.String("agent", "decision_engine"))}
}

// Evaluate runs the rules against the request. A rule panic is recovered,
// logged, and treated as Undecided so a misbehaving module cannot take the
// proxy down. When every rule stays undecided the engine returns Undecided
// and the caller applies its default.
func (e *DecisionEngine) Evaluate(rules []DecisionRule, req *Request, claims Claims) Decision {
	for _, entry := range rules {
		e.logger.Debug("evaluating policy rule",
			slog.String("policy", entry.Name),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
		)
		decision := e.evaluateRule(entry, req, claims)
		switch decision.Outcome {
		case Allow:
			e.logger.Info("policy decision",
				slog.String("policy", entry.Name),
				slog.String("decision", "allow"),
			)
			return decision
		case Deny:
			e.logger.Info("policy decision",
				slog.String("policy", entry.Name),
				slog.String("decision", "deny"),
				slog.String("reason", decision.Reason),
			)
			return decision
		}
	}
	return NoDecision()
}

func (e *DecisionEngine) evaluateRule(entry DecisionRule, req *Request, claims Claims) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy rule panicked",
				slog.String("policy", entry.Name),
				slog.Any("error", fmt.Errorf("%v", r)),
			)
			decision = NoDecision()
		}
	}()
	return entry.Rule.Evaluate(req, claims)
}
