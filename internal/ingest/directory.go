package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
)

// FileResult is the outcome of importing one file.
type FileResult struct {
	Path string
	UploadResult
	Err string
}

// DirStats summarizes a directory import.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// ImportDirectory walks root, skips hidden entries if requested, and uploads
// every file with an allowed extension. Metadata comes from SidecarMetadata.
// Per-file failures are reported in the results; only a walk error or
// context cancellation aborts the import.
func (s *Service) ImportDirectory(ctx context.Context, root string, skipHidden bool) ([]FileResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root path is required")
	}

	var results []FileResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, FileResult{Path: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := s.cfg.AllowedExts[constants.NormalizeExt(filepath.Ext(path))]; !ok {
			return nil
		}
		stats.Matched++

		res, err := s.importFile(ctx, path)
		if err != nil {
			s.logger.Warn("import failed", "path", path, "error", err)
			results = append(results, FileResult{Path: path, UploadResult: res, Err: err.Error()})
			stats.Failed++
			return nil
		}
		results = append(results, FileResult{Path: path, UploadResult: res})
		stats.Succeeded++
		if res.Status == StatusDuplicate {
			stats.Deduplicated++
		}
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	s.logger.Info("directory import finished",
		"root", root,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed,
	)
	return results, stats, nil
}

func (s *Service) importFile(ctx context.Context, path string) (UploadResult, error) {
	meta, err := SidecarMetadata(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("read metadata: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, err
	}
	defer f.Close()
	return s.Upload(ctx, UploadRequest{Filename: filepath.Base(path), Body: f, Metadata: meta})
}
