package testutil

// FixedContextGenerator returns the same execution-context id every time.
//
// Reusing one id across transactions models a pooled worker that serves many
// unrelated requests, which is exactly where leftover frame state would leak.
//
// Thread-safety: stateless and safe for concurrent use.
type FixedContextGenerator struct {
	id string
}

// NewFixedContextGenerator creates a generator for id.
// If id is empty, Generate returns "test-context-default".
func NewFixedContextGenerator(id string) *FixedContextGenerator {
	if id == "" {
		id = "test-context-default"
	}
	return &FixedContextGenerator{id: id}
}

// Generate returns the fixed id.
//
// Implements txscope.ContextGenerator.
func (g *FixedContextGenerator) Generate() string {
	return g.id
}
