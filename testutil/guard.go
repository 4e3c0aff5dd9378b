// Package testutil provides helpers for enforcing package boundaries: the
// domain stays free of adapters and the join engine stays free of I/O.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// AssertNoDirectImports scans the non-test .go files in dir (typically "."
// from within the package) and fails if any import satisfies forbidden. Build
// tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfViolations(t, "direct imports", reason, viols)
}

// AssertNoTransitiveDependency loads pattern with its full dependency graph and
// fails if any reachable package satisfies forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	viols, err := transitiveViolations(pattern, forbidden)
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	failIfViolations(t, "transitive dependency", reason, viols)
}

// InternalImportForbidden matches any import path containing /internal/.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/") || strings.HasPrefix(path, "installcore/internal")
}

// InfraImportForbidden matches the storage, blob and feed adapters.
func InfraImportForbidden(path string) bool {
	return strings.HasPrefix(path, "installcore/internal/infra")
}

// NetworkImportForbidden matches packages that perform network or database I/O.
func NetworkImportForbidden(path string) bool {
	switch {
	case path == "net/http", path == "database/sql":
		return true
	case strings.HasPrefix(path, "github.com/go-redis/"),
		strings.HasPrefix(path, "github.com/jackc/pgx"),
		strings.HasPrefix(path, "github.com/aws/"):
		return true
	}
	return false
}

var loadPackages = func(pattern string) ([]*packages.Package, error) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	return packages.Load(cfg, pattern)
}

func transitiveViolations(pattern string, forbidden func(path string) bool) ([]string, error) {
	roots, err := loadPackages(pattern)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var viols []string
	var visit func(*packages.Package)
	visit = func(pkg *packages.Package) {
		if seen[pkg.PkgPath] {
			return
		}
		seen[pkg.PkgPath] = true
		if forbidden(pkg.PkgPath) {
			viols = append(viols, pkg.PkgPath)
		}
		for _, dep := range pkg.Imports {
			visit(dep)
		}
	}
	for _, root := range roots {
		for _, dep := range root.Imports {
			visit(dep)
		}
	}
	sort.Strings(viols)
	return viols, nil
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, kind, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden %s detected (%s):\n%s", kind, reason, strings.Join(viols, "\n"))
	}
}
