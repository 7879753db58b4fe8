// Package sorter copies or moves catalogued model files into a directory
// layout generated from a path pattern.
package sorter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go-lora-helper/internal/helpers"
	"go-lora-helper/internal/models"
	"go-lora-helper/internal/paths"
	"go-lora-helper/internal/tree"

	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTargetExists        = errors.New("target file already exists")
	ErrInsufficientSpace   = errors.New("insufficient free space at target")
	ErrDuplicateTarget     = errors.New("another file is planned for the same target")
	errSameSourceAndTarget = errors.New("file is already in place")
)

// diskFree reports the free bytes of the filesystem holding path.
var diskFree = func(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Sorter plans and executes library reorganisation.
type Sorter struct {
	TargetPath string
	Pattern    string
	Move       bool
	DryRun     bool
	Overwrite  bool
}

// Operation is a single file transfer. Sidecar operations carry the path of
// the model they belong to in EntryPath.
type Operation struct {
	EntryPath   string `json:"entryPath"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Sidecar     bool   `json:"sidecar"`
	SizeBytes   int64  `json:"sizeBytes"`
	Err         error  `json:"-"`
}

// Result summarises an Execute run.
type Result struct {
	Copied  int
	Moved   int
	Skipped int
	Failed  int
	Bytes   uint64
	Ops     []Operation
}

// New builds a Sorter from the sort section of the config.
func New(cfg models.SortConfig) *Sorter {
	return &Sorter{
		TargetPath: cfg.TargetPath,
		Pattern:    cfg.PathPattern,
		Move:       cfg.Move,
		DryRun:     cfg.DryRun,
		Overwrite:  cfg.Overwrite,
	}
}

// TagData returns the path pattern values for entry.
func TagData(entry models.ModelEntry) map[string]string {
	category, ok := tree.NormalizeCategory(entry.BaseModel)
	if !ok {
		category = tree.UnknownCategoryLabel
	}
	baseModel := entry.BaseModel
	if !ok {
		baseModel = ""
	}

	data := map[string]string{
		"baseModel":   baseModel,
		"category":    category,
		"modelName":   entry.DisplayName(),
		"modelType":   entry.ModelType,
		"creatorName": entry.CreatorName,
		"versionName": entry.VersionName,
		"fileName":    helpers.BaseWithoutExt(entry.FileName),
	}
	if entry.CivitaiVersionID != 0 {
		data["versionId"] = strconv.Itoa(entry.CivitaiVersionID)
	}
	if entry.CivitaiModelID != 0 {
		data["modelId"] = strconv.Itoa(entry.CivitaiModelID)
	}
	return data
}

// Plan computes the operations for entries. Conflicting destinations are
// recorded on the later operation rather than failing the plan.
func (s *Sorter) Plan(entries []models.ModelEntry) ([]Operation, error) {
	if strings.TrimSpace(s.TargetPath) == "" {
		return nil, fmt.Errorf("no sort target path configured")
	}
	if strings.TrimSpace(s.Pattern) == "" {
		return nil, fmt.Errorf("no sort path pattern configured")
	}
	target, err := filepath.Abs(s.TargetPath)
	if err != nil {
		return nil, fmt.Errorf("resolving target path %s: %w", s.TargetPath, err)
	}

	var ops []Operation
	claimed := make(map[string]string)

	add := func(op Operation) {
		key := strings.ToLower(op.Destination)
		if owner, taken := claimed[key]; taken && owner != op.Source {
			op.Err = fmt.Errorf("%w: %s", ErrDuplicateTarget, op.Destination)
		} else {
			claimed[key] = op.Source
		}
		if filepath.Clean(op.Source) == filepath.Clean(op.Destination) {
			op.Err = errSameSourceAndTarget
		}
		ops = append(ops, op)
	}

	for _, entry := range entries {
		dir, err := paths.GeneratePath(s.Pattern, TagData(entry))
		if err != nil {
			return nil, fmt.Errorf("generating path for %s: %w", entry.Path, err)
		}
		destDir := filepath.Join(target, dir)

		add(Operation{
			EntryPath:   entry.Path,
			Source:      entry.Path,
			Destination: filepath.Join(destDir, entry.FileName),
			SizeBytes:   entry.SizeBytes,
		})

		for _, sidecar := range helpers.SidecarPaths(entry.Path) {
			var size int64
			if info, err := os.Stat(sidecar); err == nil {
				size = info.Size()
			}
			add(Operation{
				EntryPath:   entry.Path,
				Source:      sidecar,
				Destination: filepath.Join(destDir, filepath.Base(sidecar)),
				Sidecar:     true,
				SizeBytes:   size,
			})
		}
	}
	return ops, nil
}

// Execute performs ops. Per-operation failures are recorded on the returned
// operations; the error is reserved for cancellation and the free space check.
func (s *Sorter) Execute(ctx context.Context, ops []Operation, progress func(done, total int, op Operation)) (Result, error) {
	result := Result{Ops: make([]Operation, len(ops))}
	copy(result.Ops, ops)

	if !s.Move && !s.DryRun {
		if err := s.checkFreeSpace(result.Ops); err != nil {
			return result, err
		}
	}

	for i := range result.Ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		op := &result.Ops[i]

		switch {
		case errors.Is(op.Err, errSameSourceAndTarget):
			result.Skipped++
		case op.Err != nil:
			result.Failed++
		case s.DryRun:
			log.Infof("[dry-run] %s -> %s", op.Source, op.Destination)
			result.Skipped++
		default:
			moved, n, err := s.transfer(op.Source, op.Destination)
			if err != nil {
				op.Err = err
				result.Failed++
				log.WithError(err).Warnf("Failed to sort %s", op.Source)
				break
			}
			result.Bytes += n
			if moved {
				result.Moved++
			} else {
				result.Copied++
			}
		}

		if progress != nil {
			progress(i+1, len(result.Ops), *op)
		}
	}
	return result, nil
}

func (s *Sorter) checkFreeSpace(ops []Operation) error {
	var needed uint64
	for _, op := range ops {
		if op.Err == nil && op.SizeBytes > 0 {
			needed += uint64(op.SizeBytes)
		}
	}
	if needed == 0 {
		return nil
	}

	probe, err := filepath.Abs(s.TargetPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	free, err := diskFree(probe)
	if err != nil {
		log.WithError(err).Warnf("Could not determine free space at %s, continuing", probe)
		return nil
	}
	if free < needed {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace, helpers.BytesToSize(needed), helpers.BytesToSize(free))
	}
	return nil
}

// transfer moves or copies src to dst and reports whether it was a move.
func (s *Sorter) transfer(src, dst string) (bool, uint64, error) {
	if _, err := os.Stat(dst); err == nil {
		if !s.Overwrite {
			return false, 0, fmt.Errorf("%w: %s", ErrTargetExists, dst)
		}
	} else if !os.IsNotExist(err) {
		return false, 0, fmt.Errorf("checking target %s: %w", dst, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return false, 0, fmt.Errorf("creating directory for %s: %w", dst, err)
	}

	if s.Move {
		err := os.Rename(src, dst)
		if err == nil {
			return true, 0, nil
		}
		log.WithError(err).Debugf("Rename failed, copying %s instead", src)
	}

	n, err := copyFile(src, dst)
	if err != nil {
		return false, 0, err
	}
	if s.Move {
		if err := os.Remove(src); err != nil {
			return false, n, fmt.Errorf("removing %s after copy: %w", src, err)
		}
		return true, n, nil
	}
	return false, n, nil
}

func copyFile(src, dst string) (uint64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", src, err)
	}

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", tmp, err)
	}

	counter := &helpers.CounterWriter{Writer: out}
	if _, err := io.Copy(counter, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("finalising %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		log.WithError(err).Debugf("Could not preserve modification time on %s", dst)
	}
	return counter.Total, nil
}
