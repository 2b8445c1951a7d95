package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nexus/gate"
	"nexus/log"
)

var errExportBusy = errors.New("busy: a request is already in progress")

type pdfRenderer interface {
	ExportReport(ctx context.Context, report string) ([]byte, error)
}

// reportExporter turns the final report into a PDF file on disk. With a
// gate set it refuses to run alongside another backend call.
type reportExporter struct {
	backend pdfRenderer
	gate    *gate.Gate
	dir     string
	timeout time.Duration
	now     func() time.Time
}

// Export writes the report to a timestamped file in the export directory and
// returns its path.
func (e *reportExporter) Export(ctx context.Context, report string) (string, error) {
	if e.gate != nil {
		if !e.gate.TryAcquire() {
			return "", errExportBusy
		}
		defer e.gate.Release()
	}
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	path := filepath.Join(e.dir, reportFileName(now()))
	if err := e.writePDF(ctx, report, path); err != nil {
		return "", err
	}
	return path, nil
}

func (e *reportExporter) writePDF(ctx context.Context, report, path string) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	pdf, err := e.backend.ExportReport(ctx, report)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("export dir: %w", err)
		}
	}
	if err := os.WriteFile(path, pdf, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Infof("exported report to %s (%d bytes, %dms)", path, len(pdf), time.Since(start).Milliseconds())
	return nil
}

func reportFileName(t time.Time) string {
	return "nexus-report-" + t.Format("20060102-150405") + ".pdf"
}
