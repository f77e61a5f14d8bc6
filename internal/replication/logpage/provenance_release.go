//go:build !debug_provenance

package logpage

// provenance is a zero-cost no-op outside debug_provenance builds.
type provenance struct{}

func recordFix(f *Frame, pageID int64)   {}
func recordUnfix(f *Frame, pageID int64) {}

// Provenance always returns nil in release builds.
func (f *Frame) Provenance() []string { return nil }
