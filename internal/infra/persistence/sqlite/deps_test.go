package sqlite

import (
	"go/build"
	"strings"
	"testing"
)

var allowedModuleImports = map[string]struct{}{
	"installcore/pkg/domain":                        {},
	"installcore/internal/infra/persistence/memory": {},
}

func TestImportsAreDomainOrStdlib(t *testing.T) {
	pkg, err := build.Default.ImportDir(".", 0)
	if err != nil {
		t.Fatalf("import dir: %v", err)
	}
	for _, imp := range pkg.Imports {
		if !strings.HasPrefix(imp, "installcore/") {
			continue
		}
		if _, ok := allowedModuleImports[imp]; ok {
			continue
		}
		t.Fatalf("unexpected dependency: %s", imp)
	}
}
