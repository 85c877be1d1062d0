// Package expressions evaluates jq, expr and CEL expressions over JSON data.
// Transform nodes and $path selectors are built on it.
package expressions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/galaxy/pkg/schema"
)

// Engine evaluates one expression language.
type Engine interface {
	Name() string
	// Evaluate runs expression against data. data is any decoded JSON value.
	Evaluate(ctx context.Context, expression string, data any) (any, error)
}

// Engines is the set of engines a process exposes, keyed by name.
type Engines struct {
	byName map[string]Engine
}

// NewEngines builds the jq, expr and CEL engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewEnginesWith(NewGoJQEngine(), NewExprEngine(), celEngine), nil
}

// NewEnginesWith builds a set from explicit engines.
func NewEnginesWith(engines ...Engine) *Engines {
	e := &Engines{byName: make(map[string]Engine, len(engines))}
	for _, eng := range engines {
		e.byName[eng.Name()] = eng
	}
	return e
}

// Get returns the engine registered under name.
func (e *Engines) Get(name string) (Engine, error) {
	eng, ok := e.byName[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name).
			WithDetails(map[string]any{"engine": name, "available": e.Names()})
	}
	return eng, nil
}

// Names returns the registered engine names, sorted.
func (e *Engines) Names() []string {
	names := make([]string, 0, len(e.byName))
	for n := range e.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Evaluate is shorthand for Get(engine) followed by Evaluate.
func (e *Engines) Evaluate(ctx context.Context, engine, expression string, data any) (any, error) {
	eng, err := e.Get(engine)
	if err != nil {
		return nil, err
	}
	return eng.Evaluate(ctx, expression, data)
}

// programCache memoises compiled programs by expression text. Compiled
// programs of all three libraries are safe to reuse across goroutines.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.progs[expression] = p
	return p, nil
}

func compileError(engine, expression string, err error) *schema.GalaxyError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func evalError(engine, expression string, err error) *schema.GalaxyError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.GalaxyError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
