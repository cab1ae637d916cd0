package main

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/apparentlymart/ocicopy/internal/copier"
	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

// copySummary counts what happened to each node during a copy, so we can
// report it at the end.
type copySummary struct {
	copied      atomic.Int64
	copiedBytes atomic.Int64
	mounted     atomic.Int64
	skipped     atomic.Int64
}

func (s *copySummary) observer() *copier.Observer {
	return &copier.Observer{
		OnCopied: func(desc ocidist.Descriptor) {
			s.copied.Add(1)
			s.copiedBytes.Add(desc.Size)
		},
		OnMounted: func(desc ocidist.Descriptor, from string) {
			s.mounted.Add(1)
		},
		OnSkipped: func(desc ocidist.Descriptor) {
			s.skipped.Add(1)
		},
	}
}

func (s *copySummary) print(w io.Writer) {
	fmt.Fprintf(w, "  %d copied (%s)\n", s.copied.Load(), formatBytes(s.copiedBytes.Load()))
	if n := s.mounted.Load(); n > 0 {
		fmt.Fprintf(w, "  %d mounted\n", n)
	}
	fmt.Fprintf(w, "  %d already present\n", s.skipped.Load())
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
