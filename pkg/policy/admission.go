package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
)

// Admission screens inbound requests against a Rego module before any
// record is written. It implements engine.AdmissionChecker. The module is
// expected to define a deny rule producing human-readable messages:
//
//	package openherd.admission
//
//	deny contains msg if {
//	    input.operation == "CLUSTER_DELETE"
//	    not input.inputs.force
//	    msg := "cluster deletion requires force"
//	}
//
// An empty deny set admits the request.
type Admission struct {
	mu     sync.RWMutex
	query  rego.PreparedEvalQuery
	loaded bool
	logger zerolog.Logger
}

// admissionInput is the document the Rego module evaluates.
type admissionInput struct {
	Operation string         `json:"operation"`
	Target    string         `json:"target"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

// NewAdmission compiles the given Rego module. An empty source yields a
// checker that admits everything.
func NewAdmission(source string, logger zerolog.Logger) (*Admission, error) {
	a := &Admission{logger: logger.With().Str("component", "admission").Logger()}
	if strings.TrimSpace(source) == "" {
		return a, nil
	}
	if err := a.Load(source); err != nil {
		return nil, err
	}
	return a, nil
}

// Load compiles and swaps in a new Rego module.
func (a *Admission) Load(source string) error {
	pkg := extractPackage(source)
	if pkg == "" {
		return engine.NewPermanentError("admission module has no package declaration", nil).
			WithCode(engine.ErrCodeValidation)
	}

	r := rego.New(
		rego.Module("admission.rego", source),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return engine.NewPermanentError("failed to compile admission module", err).
			WithCode(engine.ErrCodeValidation)
	}

	a.mu.Lock()
	a.query = query
	a.loaded = true
	a.mu.Unlock()
	a.logger.Info().Str("package", pkg).Msg("admission module loaded")
	return nil
}

// Admit implements engine.AdmissionChecker.
func (a *Admission) Admit(ctx context.Context, op engine.Operation, target string, inputs json.RawMessage) error {
	a.mu.RLock()
	query, loaded := a.query, a.loaded
	a.mu.RUnlock()
	if !loaded {
		return nil
	}

	in := admissionInput{Operation: string(op), Target: target}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &in.Inputs); err != nil {
			return engine.NewPermanentError("malformed request inputs", err).
				WithCode(engine.ErrCodeValidation)
		}
	}

	results, err := query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return engine.NewPermanentError("admission evaluation failed", err).
			WithCode(engine.ErrCodeInternal)
	}

	var reasons []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				reasons = append(reasons, fmt.Sprint(d))
			}
		}
	}
	if len(reasons) > 0 {
		a.logger.Info().
			Str("operation", string(op)).
			Str("target", target).
			Strs("reasons", reasons).
			Msg("request denied by admission policy")
		return engine.NewPermanentError(
			fmt.Sprintf("request denied: %s", strings.Join(reasons, "; ")), nil,
		).WithCode(engine.ErrCodePolicyRejected).WithOperation(string(op)).WithTarget(target)
	}
	return nil
}

// extractPackage returns the package path declared by a Rego module.
func extractPackage(source string) string {
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "package "))
		}
	}
	return ""
}
