package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go-lora-helper/internal/models"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a path is not in the catalog.
var ErrNotFound = errors.New("entry not found")

// DB wraps the SQLite catalog and provides helper methods.
type DB struct {
	db *sql.DB
	sync.RWMutex
	closeOnce sync.Once
	closeErr  error
}

// EntryFilter narrows ListEntries. Empty fields match everything.
type EntryFilter struct {
	SourcePath string
	BaseModel  string
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database at %s: %w", path, err)
	}

	wrapper := &DB{db: db}
	if err := wrapper.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Debugf("SQLite catalog opened at %s", path)
	return wrapper, nil
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS model_files (
		path TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		folder TEXT NOT NULL,
		source_path TEXT NOT NULL,
		base_model TEXT NOT NULL,
		model_name TEXT,
		model_type TEXT,
		version_name TEXT,
		creator_name TEXT,
		metadata_source TEXT NOT NULL,
		blake3 TEXT,
		trained_words TEXT, -- JSON array
		size_bytes INTEGER NOT NULL,
		mod_time INTEGER NOT NULL,
		scanned_at INTEGER NOT NULL,
		civitai_model_id INTEGER,
		civitai_version_id INTEGER,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_model_files_source ON model_files(source_path);
	CREATE INDEX IF NOT EXISTS idx_model_files_base_model ON model_files(base_model COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_model_files_blake3 ON model_files(blake3);

	CREATE TRIGGER IF NOT EXISTS update_model_files_timestamp
		AFTER UPDATE ON model_files
		BEGIN
			UPDATE model_files SET updated_at = CURRENT_TIMESTAMP WHERE path = NEW.path;
		END;
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		log.Debug("Closing catalog database...")
		d.Lock()
		defer d.Unlock()

		d.closeErr = d.db.Close()
		if d.closeErr != nil {
			log.Errorf("Error during database close operation: %v", d.closeErr)
		}
	})
	return d.closeErr
}

const selectColumns = `
	path, file_name, folder, source_path, base_model, model_name, model_type,
	version_name, creator_name, metadata_source, blake3, trained_words,
	size_bytes, mod_time, scanned_at, civitai_model_id, civitai_version_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.ModelEntry, error) {
	var (
		entry                                      models.ModelEntry
		modelName, modelType, versionName, creator sql.NullString
		blake3, trainedWords                       sql.NullString
		civitaiModelID, civitaiVersionID           sql.NullInt64
	)
	err := row.Scan(
		&entry.Path, &entry.FileName, &entry.Folder, &entry.SourcePath, &entry.BaseModel,
		&modelName, &modelType, &versionName, &creator, &entry.MetadataSource,
		&blake3, &trainedWords, &entry.SizeBytes, &entry.ModTime, &entry.ScannedAt,
		&civitaiModelID, &civitaiVersionID,
	)
	if err != nil {
		return models.ModelEntry{}, err
	}

	entry.ModelName = modelName.String
	entry.ModelType = modelType.String
	entry.VersionName = versionName.String
	entry.CreatorName = creator.String
	entry.Blake3 = blake3.String
	entry.CivitaiModelID = int(civitaiModelID.Int64)
	entry.CivitaiVersionID = int(civitaiVersionID.Int64)

	if trainedWords.Valid && trainedWords.String != "" {
		if err := json.Unmarshal([]byte(trainedWords.String), &entry.TrainedWords); err != nil {
			log.WithError(err).Warnf("Failed to decode trained words for %s", entry.Path)
		}
	}
	return entry, nil
}

// PutEntry inserts or replaces a catalog entry keyed by its path.
func (d *DB) PutEntry(entry models.ModelEntry) error {
	if entry.Path == "" {
		return fmt.Errorf("cannot store catalog entry without a path")
	}
	if entry.BaseModel == "" {
		entry.BaseModel = models.UnknownBaseModel
	}
	if entry.MetadataSource == "" {
		entry.MetadataSource = models.MetadataSourceNone
	}

	trainedWordsJSON, err := json.Marshal(entry.TrainedWords)
	if err != nil {
		return fmt.Errorf("error encoding trained words for %s: %w", entry.Path, err)
	}

	d.Lock()
	defer d.Unlock()

	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO model_files (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Path, entry.FileName, entry.Folder, entry.SourcePath, entry.BaseModel,
		entry.ModelName, entry.ModelType, entry.VersionName, entry.CreatorName, entry.MetadataSource,
		entry.Blake3, string(trainedWordsJSON), entry.SizeBytes, entry.ModTime, entry.ScannedAt,
		entry.CivitaiModelID, entry.CivitaiVersionID)
	if err != nil {
		return fmt.Errorf("error storing catalog entry %s: %w", entry.Path, err)
	}
	return nil
}

// GetEntry returns the entry stored for path.
func (d *DB) GetEntry(path string) (models.ModelEntry, error) {
	d.RLock()
	defer d.RUnlock()

	row := d.db.QueryRow(`SELECT `+selectColumns+` FROM model_files WHERE path = ?`, path)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ModelEntry{}, ErrNotFound
	}
	if err != nil {
		return models.ModelEntry{}, fmt.Errorf("error reading catalog entry %s: %w", path, err)
	}
	return entry, nil
}

// Has reports whether path is in the catalog.
func (d *DB) Has(path string) bool {
	d.RLock()
	defer d.RUnlock()

	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM model_files WHERE path = ?)", path).Scan(&exists)
	return err == nil && exists
}

// DeleteEntry removes path from the catalog. Deleting a missing path is not an error.
func (d *DB) DeleteEntry(path string) error {
	d.Lock()
	defer d.Unlock()

	if _, err := d.db.Exec("DELETE FROM model_files WHERE path = ?", path); err != nil {
		return fmt.Errorf("error deleting catalog entry %s: %w", path, err)
	}
	return nil
}

// ListEntries returns entries matching filter, ordered by path.
// Base model matching ignores case.
func (d *DB) ListEntries(filter EntryFilter) ([]models.ModelEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.SourcePath != "" {
		clauses = append(clauses, "source_path = ?")
		args = append(args, filter.SourcePath)
	}
	if strings.TrimSpace(filter.BaseModel) != "" {
		clauses = append(clauses, "base_model = ? COLLATE NOCASE")
		args = append(args, strings.TrimSpace(filter.BaseModel))
	}

	query := `SELECT ` + selectColumns + ` FROM model_files`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY path"

	d.RLock()
	defer d.RUnlock()

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing catalog entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ModelEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning catalog row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PruneMissing deletes entries under sourcePath whose path is not in keep.
// It returns the number of removed entries.
func (d *DB) PruneMissing(sourcePath string, keep map[string]struct{}) (int, error) {
	existing, err := d.ListEntries(EntryFilter{SourcePath: sourcePath})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range existing {
		if _, ok := keep[entry.Path]; ok {
			continue
		}
		if err := d.DeleteEntry(entry.Path); err != nil {
			return removed, err
		}
		log.Debugf("Pruned catalog entry for missing file %s", entry.Path)
		removed++
	}
	return removed, nil
}

// CountByBaseModel returns the number of entries per base model label.
func (d *DB) CountByBaseModel() (map[string]int, error) {
	d.RLock()
	defer d.RUnlock()

	rows, err := d.db.Query("SELECT base_model, COUNT(*) FROM model_files GROUP BY base_model")
	if err != nil {
		return nil, fmt.Errorf("error counting catalog entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			baseModel string
			count     int
		)
		if err := rows.Scan(&baseModel, &count); err != nil {
			return nil, fmt.Errorf("error scanning count row: %w", err)
		}
		counts[baseModel] = count
	}
	return counts, rows.Err()
}
