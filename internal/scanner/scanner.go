// Package scanner walks a model library, hashes model files and reads their
// sidecar metadata.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go-lora-helper/internal/helpers"
	"go-lora-helper/internal/models"

	log "github.com/sirupsen/logrus"
)

// Hasher computes a content digest for a file in a given state.
type Hasher interface {
	HashFile(path string, size, modTime int64) (string, error)
}

// HasherFunc adapts a plain hash function to Hasher, ignoring file state.
type HasherFunc func(path string) (string, error)

// HashFile implements Hasher.
func (f HasherFunc) HashFile(path string, _, _ int64) (string, error) {
	return f(path)
}

// ProgressFunc is called after each file is processed.
type ProgressFunc func(done, total int, path string)

// Scanner collects model files below a source directory.
type Scanner struct {
	Extensions  []string
	Concurrency int
	Hasher      Hasher
}

type scanJob struct {
	index int
	path  string
	info  fs.FileInfo
}

// Scan walks sourcePath and returns one entry per model file, sorted by path.
func (s *Scanner) Scan(ctx context.Context, sourcePath string, progress ProgressFunc) ([]models.ModelEntry, error) {
	root, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("resolving source path %s: %w", sourcePath, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source path %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", root)
	}

	jobs, err := s.collect(ctx, root)
	if err != nil {
		return nil, err
	}
	log.WithField("source", root).Debugf("Found %d model files", len(jobs))

	entries := make([]models.ModelEntry, len(jobs))
	if len(jobs) == 0 {
		return entries, nil
	}

	hasher := s.Hasher
	if hasher == nil {
		hasher = HasherFunc(helpers.HashFile)
	}
	workers := s.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan scanJob)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	scannedAt := time.Now().Unix()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				entries[job.index] = buildEntry(root, job, hasher, scannedAt)
				if progress != nil {
					mu.Lock()
					done++
					progress(done, len(jobs), job.path)
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			break feed
		case jobCh <- job:
		}
	}
	close(jobCh)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// collect walks root and returns model files in path order.
func (s *Scanner) collect(ctx context.Context, root string) ([]scanJob, error) {
	var jobs []scanJob
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			log.WithError(err).Warnf("Skipping unreadable path %s", path)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !helpers.IsModelFile(d.Name(), s.Extensions) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.WithError(err).Warnf("Skipping %s", path)
			return nil
		}
		jobs = append(jobs, scanJob{path: path, info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].path < jobs[j].path })
	for i := range jobs {
		jobs[i].index = i
	}
	return jobs, nil
}

func buildEntry(root string, job scanJob, hasher Hasher, scannedAt int64) models.ModelEntry {
	entry := models.ModelEntry{
		Path:           job.path,
		FileName:       filepath.Base(job.path),
		Folder:         filepath.Dir(job.path),
		SourcePath:     root,
		BaseModel:      models.UnknownBaseModel,
		MetadataSource: models.MetadataSourceNone,
		SizeBytes:      job.info.Size(),
		ModTime:        job.info.ModTime().Unix(),
		ScannedAt:      scannedAt,
	}

	digest, err := hasher.HashFile(job.path, entry.SizeBytes, entry.ModTime)
	if err != nil {
		log.WithError(err).Warnf("Failed to hash %s", job.path)
	} else {
		entry.Blake3 = digest
	}

	if meta, ok := ReadSidecar(job.path); ok {
		meta.Apply(&entry)
	}
	return entry
}
