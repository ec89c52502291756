// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Package account implements the server's global account store: the
// authentication record (username, salt, verifier) and per-user metadata
// (home directory id, permission bits, login/quit messages, and per-path
// permission overrides) backed by a single embedded SQLite database at the
// server root.
package account

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned by Fetch* methods when no row matches; absence is
// never reported as a generic error.
var ErrNotFound = errors.New("account: not found")

// ErrAlreadyExists is returned by Add when the username is already taken.
var ErrAlreadyExists = errors.New("account: username already exists")

// user is the gorm model for the Users relation.
type user struct {
	Username string `gorm:"primaryKey"`
	Salt     []byte `gorm:"not null"`
	Verifier []byte `gorm:"not null"`
}

// metadata is the gorm model for the user_metadata relation.
type metadata struct {
	Username   string `gorm:"primaryKey"`
	HomedirNum int64  `gorm:"not null"`
	Perm       string `gorm:"not null"`
	OpermsJSON string `gorm:"column:operms;not null;default:'{}'"`
	MsgLogin   string `gorm:"not null"`
	MsgQuit    string `gorm:"not null"`
}

// counter tracks the monotonic home-id allocator across the whole store.
type counter struct {
	ID   uint `gorm:"primaryKey"`
	Next int64
}

// Override is one entry of a user's per-path permission overrides.
type Override struct {
	Perm      string `json:"perm"`
	Recursive bool   `json:"recursive"`
}

// Record is the combined, caller-facing view of a user's auth + metadata.
type Record struct {
	Username   string
	Salt       []byte
	Verifier   []byte
	HomeNum    int64
	Perm       string
	Operms     map[string]Override
	MsgLogin   string
	MsgQuit    string
}

// DefaultPerm is granted to a freshly registered user: full rights over
// their own home directory (elradfmwMT), matching the original server's
// registration default.
const DefaultPerm = "elradfmwMT"

// Store wraps the account database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the account database at path and
// migrates its schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("account: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&user{}, &metadata{}, &counter{}); err != nil {
		return nil, fmt.Errorf("account: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// HasUser reports whether username is registered.
func (s *Store) HasUser(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&user{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, fmt.Errorf("account: has_user: %w", err)
	}
	return count > 0, nil
}

// NextHomeNum atomically allocates the next home-directory opaque id.
func (s *Store) NextHomeNum() (int64, error) {
	var next int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var c counter
		err := tx.First(&c, "id = ?", 1).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c = counter{ID: 1, Next: 0}
			if err := tx.Create(&c).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		}
		next = c.Next
		return tx.Model(&counter{}).Where("id = ?", 1).Update("next", c.Next+1).Error
	})
	if err != nil {
		return 0, fmt.Errorf("account: next_user_num: %w", err)
	}
	return next, nil
}

// Add registers a new user record. Returns ErrAlreadyExists if taken.
func (s *Store) Add(rec Record) error {
	has, err := s.HasUser(rec.Username)
	if err != nil {
		return err
	}
	if has {
		return ErrAlreadyExists
	}
	operms, err := json.Marshal(rec.Operms)
	if err != nil {
		return fmt.Errorf("account: marshal operms: %w", err)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user{Username: rec.Username, Salt: rec.Salt, Verifier: rec.Verifier}).Error; err != nil {
			return fmt.Errorf("account: add_user: %w", err)
		}
		m := metadata{
			Username:   rec.Username,
			HomedirNum: rec.HomeNum,
			Perm:       rec.Perm,
			OpermsJSON: string(operms),
			MsgLogin:   rec.MsgLogin,
			MsgQuit:    rec.MsgQuit,
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("account: add_user_metadata: %w", err)
		}
		return nil
	})
}

// Remove deletes a user's auth and metadata rows.
func (s *Store) Remove(username string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&user{}, "username = ?", username).Error; err != nil {
			return err
		}
		return tx.Delete(&metadata{}, "username = ?", username).Error
	})
}

// Fetch returns the combined auth+metadata record for username.
func (s *Store) Fetch(username string) (Record, error) {
	var u user
	if err := s.db.First(&u, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("account: fetch_user: %w", err)
	}
	var m metadata
	if err := s.db.First(&m, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("account: fetch_user_metadata: %w", err)
	}
	var operms map[string]Override
	if m.OpermsJSON != "" {
		if err := json.Unmarshal([]byte(m.OpermsJSON), &operms); err != nil {
			return Record{}, fmt.Errorf("account: unmarshal operms: %w", err)
		}
	}
	return Record{
		Username: u.Username,
		Salt:     u.Salt,
		Verifier: u.Verifier,
		HomeNum:  m.HomedirNum,
		Perm:     m.Perm,
		Operms:   operms,
		MsgLogin: m.MsgLogin,
		MsgQuit:  m.MsgQuit,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
