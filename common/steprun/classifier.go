package steprun

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Classifier decides whether a step failure is transient. The expression is
// CEL over three variables: attempt (int, 1-based), code (string, empty when
// the error carries none), and message (string). It must evaluate to bool.
//
// Example: `code != "E_VALIDATION" && attempt < 5`.
type Classifier struct {
	prg cel.Program
}

// NewClassifier compiles a CEL classification expression.
func NewClassifier(expr string) (*Classifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("attempt", cel.IntType),
		cel.Variable("code", cel.StringType),
		cel.Variable("message", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("steprun: classifier env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("steprun: classifier expression: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("steprun: classifier expression must yield bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("steprun: classifier program: %w", err)
	}
	return &Classifier{prg: prg}, nil
}

// Transient evaluates the expression for one failure.
func (c *Classifier) Transient(attempt int, code, message string) (bool, error) {
	out, _, err := c.prg.Eval(map[string]any{
		"attempt": attempt,
		"code":    code,
		"message": message,
	})
	if err != nil {
		return false, fmt.Errorf("steprun: classifier eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("steprun: classifier returned %T, want bool", out.Value())
	}
	return b, nil
}
