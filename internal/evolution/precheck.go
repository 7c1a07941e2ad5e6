package evolution

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Finding is one advisory hit from the pre-flight scan.
type Finding struct {
	// Module is the deny-listed module the candidate imports.
	Module string `json:"module"`

	// Line is the 1-based source line of the import.
	Line int `json:"line"`
}

// deniedImports are modules a sandboxed candidate has no business touching.
// The container already blocks the network and the filesystem; this scan
// exists so reviewers see intent, not because it enforces anything.
var deniedImports = map[string]bool{
	"socket":          true,
	"ssl":             true,
	"subprocess":      true,
	"ctypes":          true,
	"multiprocessing": true,
	"urllib":          true,
	"http":            true,
	"requests":        true,
	"ftplib":          true,
	"smtplib":         true,
	"telnetlib":       true,
	"xmlrpc":          true,
	"socketserver":    true,
	"pty":             true,
	"fcntl":           true,
}

// Precheck parses the candidate with tree-sitter and reports deny-listed
// imports. Advisory only: findings ride along on the SandboxResult and never
// block execution. Unparseable source yields no findings; the sandbox run
// will surface the syntax error properly.
func Precheck(ctx context.Context, code string) []Finding {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	content := []byte(code)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil
	}
	defer tree.Close()

	var findings []Finding
	walkImports(tree.RootNode(), content, &findings)
	return findings
}

// walkImports visits import_statement and import_from_statement nodes and
// records any whose top-level module is deny-listed.
func walkImports(node *sitter.Node, content []byte, findings *[]Finding) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "import_statement", "import_from_statement":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				name := child.NamedChild(j)
				switch name.Type() {
				case "dotted_name", "aliased_import":
					target := name
					if name.Type() == "aliased_import" {
						target = name.ChildByFieldName("name")
						if target == nil {
							continue
						}
					}
					module := topLevelModule(string(content[target.StartByte():target.EndByte()]))
					if deniedImports[module] {
						*findings = append(*findings, Finding{
							Module: module,
							Line:   int(child.StartPoint().Row) + 1,
						})
					}
				}
				// In "from X import Y" only the first dotted_name is the
				// module; stop after it for from-imports.
				if child.Type() == "import_from_statement" && (name.Type() == "dotted_name" || name.Type() == "relative_import") {
					break
				}
			}
		default:
			// Imports can hide inside functions and conditionals.
			walkImports(child, content, findings)
		}
	}
}

// topLevelModule reduces "urllib.request" to "urllib".
func topLevelModule(dotted string) string {
	for i := 0; i < len(dotted); i++ {
		if dotted[i] == '.' {
			return dotted[:i]
		}
	}
	return dotted
}
