package descriptor

import (
	"fmt"
	"io"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// ParseEnvFile reads KEY=value assignments written in shell syntax.
// Lines may be prefixed with export, comments are ignored and later
// assignments override earlier ones. Values are expanded against the
// keys assigned so far, then against base. Command substitution is
// rejected.
func ParseEnvFile(r io.Reader, name string, base map[string]string) (map[string]string, error) {
	file, err := syntax.NewParser().Parse(r, name)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]string)
	lookup := func(key string) (string, bool) {
		if v, ok := vars[key]; ok {
			return v, true
		}
		v, ok := base[key]
		return v, ok
	}
	cfg := &expand.Config{Env: expand.FuncEnviron(func(key string) string {
		v, _ := lookup(key)
		return v
	})}

	for _, stmt := range file.Stmts {
		line := stmt.Pos().Line()
		if stmt.Negated || stmt.Background || len(stmt.Redirs) > 0 {
			return nil, fmt.Errorf("%s:%d: only assignments are allowed", name, line)
		}

		var assigns []*syntax.Assign
		switch cmd := stmt.Cmd.(type) {
		case *syntax.CallExpr:
			if len(cmd.Args) > 0 {
				return nil, fmt.Errorf("%s:%d: only assignments are allowed", name, line)
			}
			assigns = cmd.Assigns
		case *syntax.DeclClause:
			if cmd.Variant == nil || cmd.Variant.Value != "export" {
				return nil, fmt.Errorf("%s:%d: only export is allowed", name, line)
			}
			assigns = cmd.Args
		default:
			return nil, fmt.Errorf("%s:%d: only assignments are allowed", name, line)
		}

		for _, as := range assigns {
			if as.Name == nil || as.Index != nil || as.Array != nil {
				return nil, fmt.Errorf("%s:%d: unsupported assignment", name, line)
			}
			key := as.Name.Value

			if as.Naked {
				// "export KEY" re-exports a value from the base environment
				if v, ok := lookup(key); ok {
					vars[key] = v
				}
				continue
			}

			var val string
			if as.Value != nil {
				val, err = expand.Literal(cfg, as.Value)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: %s: %w", name, line, key, err)
				}
			}
			if as.Append {
				prev, _ := lookup(key)
				val = prev + val
			}
			vars[key] = val
		}
	}
	return vars, nil
}
