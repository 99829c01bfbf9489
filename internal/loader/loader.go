// Package loader resolves a Jakefile's `@import` graph into one linked
// model: it reads, parses (via internal/parser), and merges every
// transitively imported file, detecting import cycles and namespace
// collisions along the way.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jakeflow/jake/internal/ast"
	"github.com/jakeflow/jake/internal/model"
	"github.com/jakeflow/jake/internal/parser"
)

// CycleError reports an import cycle with the full path chain.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("import cycle: %s", strings.Join(e.Chain, " -> "))
}

// CollisionError reports a recipe/variable/hook name collision within
// the same namespace.
type CollisionError struct {
	Namespace string
	Name      string
	Kind      string
}

func (e *CollisionError) Error() string {
	ns := e.Namespace
	if ns == "" {
		ns = "<root>"
	}
	return fmt.Sprintf("duplicate %s %q in namespace %q", e.Kind, e.Name, ns)
}

// Loader loads a root Jakefile and its transitive imports into one
// model.Jakefile. A Loader is single-use: construct one per invocation.
type Loader struct {
	parsed *lru.Cache[string, *ast.File]

	// importedAs tracks, per physical path, the set of namespaces under
	// which it has already been merged, so the same file imported twice
	// under the same namespace is a no-op (idempotent) while a second
	// distinct namespace produces a second, separately-qualified copy.
	importedAs map[string]map[string]bool

	stack []string // import path stack, for cycle detection
}

// New constructs a Loader with a bounded parsed-file cache sized for
// diamond-shaped import graphs.
func New() (*Loader, error) {
	cache, err := lru.New[string, *ast.File](128)
	if err != nil {
		return nil, err
	}
	return &Loader{parsed: cache, importedAs: make(map[string]map[string]bool)}, nil
}

// Load reads rootPath, parses it, and recursively merges every
// `@import`, returning the fully linked model.
func (l *Loader) Load(rootPath string) (*model.Jakefile, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, err
	}
	jf := model.NewJakefile(abs)
	if err := l.merge(jf, abs, "", nil); err != nil {
		return nil, err
	}
	return jf, nil
}

func (l *Loader) parseFile(path string) (*ast.File, error) {
	if cached, ok := l.parsed.Get(path); ok {
		return cached, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	file, err := parser.Parse(path, string(src))
	if err != nil {
		return nil, err
	}
	l.parsed.Add(path, file)
	return file, nil
}

// merge parses path, folds its items into jf under namespace, and
// recurses into its own imports. callerChain is the stack of paths
// currently being merged, used for cycle detection.
func (l *Loader) merge(jf *model.Jakefile, path, namespace string, callerChain []string) error {
	for _, p := range callerChain {
		if p == path {
			return &CycleError{Chain: append(append([]string{}, callerChain...), path)}
		}
	}
	chain := append(append([]string{}, callerChain...), path)

	if ns, ok := l.importedAs[path]; ok && ns[namespace] {
		return nil // idempotent re-import under the same namespace
	}
	if l.importedAs[path] == nil {
		l.importedAs[path] = make(map[string]bool)
	}
	l.importedAs[path][namespace] = true

	file, err := l.parseFile(path)
	if err != nil {
		return err
	}

	var imports []*ast.Import
	for _, item := range file.Items {
		switch it := item.(type) {
		case *ast.Assignment:
			if err := addVariable(jf, namespace, it); err != nil {
				return err
			}
		case *ast.Import:
			imports = append(imports, it)
		case *ast.GlobalDirective:
			addGlobalDirective(jf, namespace, it)
		case *ast.Recipe:
			if err := addRecipe(jf, path, namespace, it); err != nil {
				return err
			}
		}
	}

	dir := filepath.Dir(path)
	for _, imp := range imports {
		childPath := imp.Path
		if !filepath.IsAbs(childPath) {
			childPath = filepath.Join(dir, childPath)
		}
		childNS := imp.Namespace
		jf.Imports = append(jf.Imports, model.ImportRecord{FromPath: path, ToPath: childPath, Namespace: childNS})
		if err := l.merge(jf, childPath, childNS, chain); err != nil {
			return err
		}
	}
	return nil
}

func addVariable(jf *model.Jakefile, namespace string, a *ast.Assignment) error {
	qualified := model.Qualify(namespace, a.Name)
	for _, v := range jf.Variables {
		if v.Name == qualified {
			return &CollisionError{Namespace: namespace, Name: a.Name, Kind: "variable"}
		}
	}
	jf.Variables = append(jf.Variables, model.Variable{Name: qualified, Value: a.Value, Walrus: a.Walrus})
	return nil
}

func addGlobalDirective(jf *model.Jakefile, namespace string, d *ast.GlobalDirective) {
	switch d.Name {
	case "pre":
		jf.Hooks.Pre = append(jf.Hooks.Pre, d.Args...)
	case "post":
		jf.Hooks.Post = append(jf.Hooks.Post, d.Args...)
	case "on_error":
		jf.Hooks.OnError = append(jf.Hooks.OnError, d.Args...)
	case "before":
		target := model.Qualify(namespace, d.Target)
		jf.Hooks.Before[target] = append(jf.Hooks.Before[target], d.Args...)
	case "after":
		target := model.Qualify(namespace, d.Target)
		jf.Hooks.After[target] = append(jf.Hooks.After[target], d.Args...)
	case "dotenv":
		for _, a := range d.Args {
			if s, ok := a.(*ast.StringLit); ok {
				jf.DotenvPaths = append(jf.DotenvPaths, s.Value)
			}
		}
	case "requireenv":
		for _, a := range d.Args {
			if id, ok := a.(*ast.Ident); ok {
				jf.RequiredEnv = append(jf.RequiredEnv, id.Name)
			}
		}
	case "export":
		// @export NAME[=expr] at file scope behaves like @requireenv-adjacent
		// ambient export, contributing to every recipe's environment.
		if len(d.Args) > 0 {
			if id, ok := d.Args[0].(*ast.Ident); ok {
				var val ast.Expr
				if len(d.Args) > 1 {
					val = d.Args[1]
				}
				jf.ExportedEnv[id.Name] = val
			}
		}
	}
}

func addRecipe(jf *model.Jakefile, sourcePath, namespace string, r *ast.Recipe) error {
	qualified := model.Qualify(namespace, r.Name)
	if _, exists := jf.Recipes[qualified]; exists {
		return &CollisionError{Namespace: namespace, Name: r.Name, Kind: "recipe"}
	}

	seenDefault := false
	for _, p := range r.Parameters {
		if p.Default != nil {
			seenDefault = true
		} else if seenDefault && p.Variadic == ast.VariadicNone {
			return fmt.Errorf("recipe %s: parameter %q without default follows a defaulted parameter", qualified, p.Name)
		}
	}

	var params []model.Parameter
	for _, p := range r.Parameters {
		params = append(params, model.Parameter{
			Name:     p.Name,
			Default:  p.Default,
			Variadic: model.Variadic(p.Variadic),
		})
	}

	var deps []string
	for _, d := range r.Deps {
		// A bare dep name is resolved within the importing namespace first;
		// a dotted name is already fully qualified by the author.
		if strings.Contains(d.Name, ".") {
			deps = append(deps, d.Name)
		} else {
			deps = append(deps, model.Qualify(namespace, d.Name))
		}
	}

	var toolNeeds []model.ToolNeed
	for _, tn := range r.Attributes.ToolNeeds {
		install := tn.InstallRecipe
		if install != "" && !strings.Contains(install, ".") {
			install = model.Qualify(namespace, install)
		}
		toolNeeds = append(toolNeeds, model.ToolNeed{Command: tn.Command, Hint: tn.Hint, InstallRecipe: install})
	}

	rec := &model.Recipe{
		Kind:          model.Kind(r.Kind),
		Name:          r.Name,
		Namespace:     namespace,
		QualifiedName: qualified,
		Parameters:    params,
		Deps:          deps,
		Attributes: model.Attributes{
			Group:          r.Attributes.Group,
			Desc:           r.Attributes.Desc,
			Aliases:        r.Attributes.Aliases,
			Quiet:          r.Attributes.Quiet,
			IsDefault:      r.Attributes.IsDefault,
			PlatformFilter: r.Attributes.PlatformFilter,
			ToolNeeds:      toolNeeds,
		},
		Body:       r.Body,
		SourcePath: sourcePath,
	}
	jf.AddRecipe(rec)
	return nil
}
