// Package identity generates broker client identifiers.
package identity

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultPrefix tags identifiers created by this client.
const DefaultPrefix = "mkt"

// processSeq is shared by every generator so two generators in one process
// never produce the same identifier.
var processSeq atomic.Uint64

// Generator builds identifiers of the form
// <prefix>_<unix nanos, base36>_<8 random hex>_<sequence>_<attempt>.
type Generator struct {
	Prefix string
	Now    func() time.Time
}

// New returns a generator using the wall clock.
func New(prefix string) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Generator{Prefix: prefix, Now: time.Now}
}

// Next returns a fresh identifier for the given connection attempt.
func (g *Generator) Next(attempt int) string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	seq := processSeq.Add(1)

	var b strings.Builder
	b.WriteString(g.Prefix)
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(now().UnixNano(), 36))
	b.WriteByte('_')
	b.WriteString(random)
	b.WriteByte('_')
	b.WriteString(strconv.FormatUint(seq, 36))
	b.WriteByte('_')
	b.WriteString(strconv.Itoa(attempt))
	return b.String()
}
