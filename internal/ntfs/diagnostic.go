package ntfs

import "log"

// DiagnosticSink receives non-fatal warnings emitted while walking a
// partially corrupt image (spec.md §1: "Logging / progress notification —
// replaced by a pluggable diagnostic sink").
type DiagnosticSink interface {
	Warnf(format string, args ...interface{})
}

// DefaultDiagnosticSink routes warnings through the standard log package,
// matching the teacher's direct log.Printf call sites (internal/fuse/fuse.go)
// while keeping the logger swappable per volume instead of global.
type DefaultDiagnosticSink struct{}

func (DefaultDiagnosticSink) Warnf(format string, args ...interface{}) {
	log.Printf("ntfscore: "+format, args...)
}

// noopDiagnosticSink discards every warning.
type noopDiagnosticSink struct{}

func (noopDiagnosticSink) Warnf(string, ...interface{}) {}
