package policy

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/warden/internal/fingerprint"
)

//go:embed schema.cue
var schemaCUE string

// LoadError reports a policy file that failed schema validation or parsing.
type LoadError struct {
	Path    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy %s: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("policy %s: %s", e.Path, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads, schema-validates, and parses a YAML policy file.
//
// Validation happens against the embedded CUE schema before the document is
// decoded, so a malformed file is rejected with positions and constraint
// details rather than surfacing as odd rule behavior mid-run. The canonical
// hash of the document is computed at load time and carried on the Set.
func Load(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "read", Err: err}
	}
	return Parse(path, raw)
}

// Parse validates and decodes a policy document. The path is used only for
// error reporting.
func Parse(path string, raw []byte) (*Set, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Path: path, Message: "parse yaml", Err: err}
	}
	if doc == nil {
		return nil, &LoadError{Path: path, Message: "empty policy document"}
	}

	if err := validateSchema(doc); err != nil {
		return nil, &LoadError{Path: path, Message: "schema validation failed", Err: err}
	}

	var set Set
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return nil, &LoadError{Path: path, Message: "decode rules", Err: err}
	}

	hash, err := fingerprint.Digest(fingerprint.DomainPolicy, doc)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "hash policy", Err: err}
	}
	set.Hash = hash
	return &set, nil
}

// validateSchema unifies the document with the embedded #Policy definition.
// Uses the CUE SDK in process; definitions are closed, so unknown fields
// fail validation.
func validateSchema(doc map[string]any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	policyDef := schema.LookupPath(cue.ParsePath("#Policy"))
	if err := policyDef.Err(); err != nil {
		return fmt.Errorf("lookup #Policy: %w", err)
	}

	val := ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	unified := policyDef.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", cueerrors.Details(err, nil))
	}
	return nil
}
