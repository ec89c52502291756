// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Package filemeta implements the per-home file metadata store: the name
// map (filenum <-> numpath <-> ftppath) and the integrity table
// (filenum -> tag, size), one SQLite database per user home directory.
package filemeta

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("filemeta: not found")

// nameRow is the gorm model for the name map.
type nameRow struct {
	Filenum int64  `gorm:"primaryKey;autoIncrement:false"`
	Numpath string `gorm:"uniqueIndex;not null"`
	Ftppath string `gorm:"uniqueIndex;not null"`
}

// integrityRow is the gorm model for the integrity table.
type integrityRow struct {
	Filenum int64  `gorm:"primaryKey;autoIncrement:false"`
	TagHex  string `gorm:"not null"`
	Size    int64  `gorm:"not null"`
}

// FileSize is one row of FetchAllFileSizes' result.
type FileSize struct {
	Numpath string
	Ftppath string
	Size    int64
}

// Store wraps one user's per-home metadata database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the per-home metadata database at
// path, migrates its schema, and seeds the root row
// (homedirFilenum, homedirNumpath, "/") if it is not already present.
func Open(path string, homedirFilenum int64, homedirNumpath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("filemeta: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&nameRow{}, &integrityRow{}); err != nil {
		return nil, fmt.Errorf("filemeta: migrate: %w", err)
	}
	s := &Store{db: db}

	var count int64
	if err := db.Model(&nameRow{}).Where("filenum = ?", homedirFilenum).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("filemeta: seed check: %w", err)
	}
	if count == 0 {
		if err := s.AddNumpath(homedirFilenum, homedirNumpath, "/"); err != nil {
			return nil, fmt.Errorf("filemeta: seed root: %w", err)
		}
	}
	return s, nil
}

// GetNextFilenum returns max(filenum)+1, or 0 if the name map is empty.
func (s *Store) GetNextFilenum() (int64, error) {
	var max struct{ Max *int64 }
	if err := s.db.Model(&nameRow{}).Select("MAX(filenum) as max").Scan(&max).Error; err != nil {
		return 0, fmt.Errorf("filemeta: get_next_filenum: %w", err)
	}
	if max.Max == nil {
		return 0, nil
	}
	return *max.Max + 1, nil
}

// AddNumpath inserts a new name-map row.
func (s *Store) AddNumpath(filenum int64, numpath, ftppath string) error {
	row := nameRow{Filenum: filenum, Numpath: numpath, Ftppath: ftppath}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("filemeta: add_numpath: %w", err)
	}
	return nil
}

// FetchNumpathByFtppath returns the numpath registered for ftppath.
func (s *Store) FetchNumpathByFtppath(ftppath string) (string, error) {
	var row nameRow
	if err := s.db.First(&row, "ftppath = ?", ftppath).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("filemeta: fetch_numpath_by_ftppath: %w", err)
	}
	return row.Numpath, nil
}

// FetchFilenumByNumpath returns the filenum registered for numpath.
func (s *Store) FetchFilenumByNumpath(numpath string) (int64, error) {
	var row nameRow
	if err := s.db.First(&row, "numpath = ?", numpath).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("filemeta: fetch_filenum_by_numpath: %w", err)
	}
	return row.Filenum, nil
}

// FetchFilepath returns the ftppath registered for numpath.
func (s *Store) FetchFilepath(numpath string) (string, error) {
	var row nameRow
	if err := s.db.First(&row, "numpath = ?", numpath).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("filemeta: fetch_filepath: %w", err)
	}
	return row.Ftppath, nil
}

// RenameNumpath moves the row for filenum to newNumpath, preserving its
// filenum (and therefore its integrity row) -- see DESIGN.md's decision on
// the spec's open question about rename/filenum consistency.
func (s *Store) RenameNumpath(filenum int64, newNumpath, newFtppath string) error {
	res := s.db.Model(&nameRow{}).Where("filenum = ?", filenum).
		Updates(map[string]interface{}{"numpath": newNumpath, "ftppath": newFtppath})
	if res.Error != nil {
		return fmt.Errorf("filemeta: rename: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddFileMeta inserts an integrity row.
func (s *Store) AddFileMeta(filenum int64, tagHex string, size int64) error {
	row := integrityRow{Filenum: filenum, TagHex: tagHex, Size: size}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("filemeta: add_file_meta: %w", err)
	}
	return nil
}

// UpdateFileMeta overwrites an existing integrity row. A lost update on a
// concurrent upsert for the same filenum is tolerable (see spec.md §5).
func (s *Store) UpdateFileMeta(filenum int64, tagHex string, size int64) error {
	res := s.db.Model(&integrityRow{}).Where("filenum = ?", filenum).
		Updates(map[string]interface{}{"tag_hex": tagHex, "size": size})
	if res.Error != nil {
		return fmt.Errorf("filemeta: update_file_meta: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertFileMeta adds the integrity row if absent, else updates it.
func (s *Store) UpsertFileMeta(filenum int64, tagHex string, size int64) error {
	_, err := s.FetchTag(filenum)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.AddFileMeta(filenum, tagHex, size)
	case err != nil:
		return err
	default:
		return s.UpdateFileMeta(filenum, tagHex, size)
	}
}

// FetchTag returns the hex-encoded tag stored for filenum.
func (s *Store) FetchTag(filenum int64) (string, error) {
	var row integrityRow
	if err := s.db.First(&row, "filenum = ?", filenum).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("filemeta: fetch_tag: %w", err)
	}
	return row.TagHex, nil
}

// FetchSize returns the recorded size for filenum.
func (s *Store) FetchSize(filenum int64) (int64, error) {
	var row integrityRow
	if err := s.db.First(&row, "filenum = ?", filenum).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("filemeta: fetch_size: %w", err)
	}
	return row.Size, nil
}

// FetchAllFileSizes returns every (numpath, ftppath, size) triple, joining
// the name map against the integrity table. Files with no integrity row yet
// (STOR received, TAG not yet submitted) are omitted.
func (s *Store) FetchAllFileSizes() ([]FileSize, error) {
	var rows []FileSize
	err := s.db.Table("name_rows").
		Select("name_rows.numpath as numpath, name_rows.ftppath as ftppath, integrity_rows.size as size").
		Joins("JOIN integrity_rows ON integrity_rows.filenum = name_rows.filenum").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("filemeta: fetch_all_file_sizes: %w", err)
	}
	return rows, nil
}

// RemoveByFilenum deletes filenum's rows from both tables.
func (s *Store) RemoveByFilenum(filenum int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&nameRow{}, "filenum = ?", filenum).Error; err != nil {
			return err
		}
		return tx.Delete(&integrityRow{}, "filenum = ?", filenum).Error
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
