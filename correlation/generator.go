package correlation

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// Generator allocates conduit-scoped tokens: a fixed prefix followed by a
// monotonically increasing counter. A prefix selector matches all of them.
type Generator struct {
	prefix string
	seq    atomic.Uint64
}

// NewGenerator returns a generator for prefix. The prefix is terminated with '-'
// so that conduit "a1" never matches tokens of conduit "a10".
func NewGenerator(prefix string) *Generator {
	if !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}
	return &Generator{prefix: prefix}
}

func (g *Generator) Prefix() string { return g.prefix }

// Next returns the next token. Safe for concurrent use.
func (g *Generator) Next() string {
	return g.prefix + strconv.FormatUint(g.seq.Add(1), 16)
}
