// Package facts wraps the Google Mangle Datalog engine behind a small
// typed API: load one program (declarations plus rules), assert ground
// facts, evaluate, then read derived relations back out. Semantic
// analysis builds a fresh engine per pass, so the wrapper carries no
// persistence or incremental state.
package facts

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

// Engine holds a compiled Datalog program and its fact store.
type Engine struct {
	mu             sync.RWMutex
	store          factstore.ConcurrentFactStore
	programInfo    *analysis.ProgramInfo
	predicateIndex map[string]ast.PredicateSym
	logger         *zap.Logger
}

// New returns an empty engine. Call LoadProgram before asserting facts.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := factstore.NewSimpleInMemoryStore()
	return &Engine{
		store:          factstore.NewConcurrentFactStore(base),
		predicateIndex: make(map[string]ast.PredicateSym),
		logger:         logger,
	}
}

// LoadProgram parses and analyzes a Datalog program. Predicates named in
// later Add calls must be declared by the program. Loading a second
// program replaces the first; already-asserted facts stay in the store.
func (e *Engine) LoadProgram(src string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("parse program: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("analyze program: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.programInfo = programInfo
	e.predicateIndex = make(map[string]ast.PredicateSym, len(programInfo.Decls))
	for sym := range programInfo.Decls {
		e.predicateIndex[sym.Symbol] = sym
	}
	return nil
}

// Add asserts one ground fact. Strings beginning with "/" become name
// constants, other strings become string constants, and ints become
// numbers. Derived relations are not refreshed until Evaluate runs.
func (e *Engine) Add(predicate string, args ...any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no program loaded; call LoadProgram first")
	}

	sym, ok := e.predicateIndex[predicate]
	if !ok {
		return fmt.Errorf("predicate %s is not declared by the loaded program", predicate)
	}
	if len(args) != sym.Arity {
		return fmt.Errorf("predicate %s expects %d args, got %d", predicate, sym.Arity, len(args))
	}

	terms := make([]ast.BaseTerm, len(args))
	for i, raw := range args {
		term, err := toTerm(raw)
		if err != nil {
			return fmt.Errorf("predicate %s arg %d: %w", predicate, i, err)
		}
		terms[i] = term
	}

	e.store.Add(ast.Atom{Predicate: sym, Args: terms})
	return nil
}

// Evaluate runs the loaded rules to fixpoint over the asserted facts.
func (e *Engine) Evaluate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no program loaded; call LoadProgram first")
	}

	start := time.Now()
	stats, err := mengine.EvalProgramWithStats(e.programInfo, e.store)
	if err != nil {
		return fmt.Errorf("evaluate program: %w", err)
	}

	e.logger.Debug("datalog evaluation complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("store_facts", e.store.EstimateFactCount()),
		zap.Any("stats", stats))
	return nil
}

// Facts returns every stored tuple for a predicate, base and derived
// alike. Call it after Evaluate to read derived relations.
func (e *Engine) Facts(predicate string) ([][]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sym, ok := e.predicateIndex[predicate]
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared by the loaded program", predicate)
	}

	var rows [][]any
	err := e.store.GetFacts(ast.NewQuery(sym), func(fact ast.Atom) error {
		row := make([]any, len(fact.Args))
		for i, term := range fact.Args {
			row[i] = fromTerm(term)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read facts for %s: %w", predicate, err)
	}
	return rows, nil
}

// FactCount reports the approximate number of facts in the store.
func (e *Engine) FactCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.EstimateFactCount()
}

func toTerm(value any) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case ast.BaseTerm:
		return v, nil
	case string:
		if strings.HasPrefix(v, "/") {
			name, err := ast.Name(v)
			if err != nil {
				return nil, err
			}
			return name, nil
		}
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported fact argument type %T", value)
	}
}

func fromTerm(term ast.BaseTerm) any {
	c, ok := term.(ast.Constant)
	if !ok {
		return term.String()
	}
	switch c.Type {
	case ast.NameType, ast.StringType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	default:
		return c.String()
	}
}
