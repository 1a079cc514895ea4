package rules

import (
	"sync"

	"github.com/opensource-finance/vatcalc/internal/expr"
)

// Programs caches compiled expressions by source text.
// Compiled programs are immutable, so one entry is shared by every calculation.
type Programs struct {
	mu       sync.RWMutex
	compiled map[string]*expr.Program
}

// NewPrograms creates an empty program cache.
func NewPrograms() *Programs {
	return &Programs{compiled: make(map[string]*expr.Program)}
}

// Compile returns the cached program for expression, compiling it on first use.
// Failed compilations are not cached.
func (p *Programs) Compile(expression string) (*expr.Program, error) {
	p.mu.RLock()
	prog, ok := p.compiled[expression]
	p.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.compiled[expression]; ok {
		return existing, nil
	}
	p.compiled[expression] = prog
	return prog, nil
}

// Len returns the number of cached programs.
func (p *Programs) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.compiled)
}
