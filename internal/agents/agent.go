// Package agents adapts analysis engines to the uniform Agent contract the
// batch runner calls.
package agents

import (
	"context"

	"github.com/irfndi/celebrum-distiller/internal/models"
)

// Agent analyzes one dimension of a topic. Implementations must be safe for
// concurrent use across topics.
type Agent interface {
	Name() string
	Dimension() models.Dimension
	Analyze(ctx context.Context, topic string) (models.AgentResult, error)
}

// AnalyzeFunc is the signature of a local analysis engine.
type AnalyzeFunc func(ctx context.Context, topic string) (models.AgentResult, error)

// FuncAgent turns a plain function into an Agent.
type FuncAgent struct {
	name string
	dim  models.Dimension
	fn   AnalyzeFunc
}

// NewFuncAgent wraps fn. An empty name defaults to the dimension.
func NewFuncAgent(name string, dim models.Dimension, fn AnalyzeFunc) *FuncAgent {
	if name == "" {
		name = string(dim)
	}
	return &FuncAgent{name: name, dim: dim, fn: fn}
}

func (a *FuncAgent) Name() string                { return a.name }
func (a *FuncAgent) Dimension() models.Dimension { return a.dim }

// Analyze calls the wrapped function and stamps the result with the agent's
// dimension so a sloppy engine cannot answer for another axis.
func (a *FuncAgent) Analyze(ctx context.Context, topic string) (models.AgentResult, error) {
	res, err := a.fn(ctx, topic)
	if err != nil {
		return models.Failed(a.dim, err), err
	}
	res.Dimension = a.dim
	return res, nil
}
