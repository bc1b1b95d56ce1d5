// Package report provides the progress/diagnostic sink threaded through
// the orchestrator and restore pipeline, named after thinp's
// report::Report collaborator (spec section 6's "Environment/collaborators").
package report

import (
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/redact"
)

// Report is a small, lock-protected writer so the producer and consumer
// goroutines of the restore pipeline can both log progress without
// interleaving partial lines.
type Report struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Report {
	return &Report{w: w}
}

func (r *Report) Infof(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format+"\n", args...)
}

// Pathf logs a progress line that names a filesystem or S3 path. The path
// is marked unsafe the way cockroachdb/redact marks any %s argument by
// default; Report doesn't redact on output today, but the markers mean a
// future --redact flag only has to change how the line is rendered, not
// how every call site logs.
func (r *Report) Pathf(format string, path string) {
	msg := redact.Sprintf(format, path)
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, msg.StripMarkers())
}

func (r *Report) Fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "thin_merge: %v\n", err)
}
