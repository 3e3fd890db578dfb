package mserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DiskSpaceLimit is one configured threshold: a server crosses it when
// the named filesystem's used percentage reaches or exceeds Percent, as
// reported by RecordObservation. Nothing in this module sets
// StatusDiskSpaceExhausted from that result.
type DiskSpaceLimit struct {
	ID         uint   `gorm:"primarykey"`
	ServerName string `gorm:"index"`
	Path       string
	Percent    int
	UpdatedAt  time.Time
}

// DiskSpaceObservation is one usage sample recorded for a server+path
// pair; every RecordObservation call adds a row, and no code reads the
// rows back.
type DiskSpaceObservation struct {
	ID          uint `gorm:"primarykey"`
	ServerName  string `gorm:"index"`
	Path        string
	UsedPercent float64
	ObservedAt  time.Time
}

// DiskSpaceStore persists disk-space limits and the monitor's latest
// observations in a small local sqlite database, grounded on the same
// gorm usage the teacher repo applies to its own metadata tables.
type DiskSpaceStore struct {
	mu sync.Mutex
	db *gorm.DB
}

// OpenDiskSpaceStore opens (creating if absent) a sqlite-backed store at
// path. Pass ":memory:" for ephemeral/test use.
func OpenDiskSpaceStore(path string) (*DiskSpaceStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("diskspace: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&DiskSpaceLimit{}, &DiskSpaceObservation{}); err != nil {
		return nil, fmt.Errorf("diskspace: migrate: %w", err)
	}
	return &DiskSpaceStore{db: db}, nil
}

// SetLimit inserts or updates the threshold for server+path.
func (s *DiskSpaceStore) SetLimit(server, path string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing DiskSpaceLimit
	err := s.db.Where("server_name = ? AND path = ?", server, path).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.Create(&DiskSpaceLimit{ServerName: server, Path: path, Percent: percent, UpdatedAt: time.Now()}).Error
	}
	if err != nil {
		return err
	}
	existing.Percent = percent
	existing.UpdatedAt = time.Now()
	return s.db.Save(&existing).Error
}

// Limits returns every configured threshold for server.
func (s *DiskSpaceStore) Limits(server string) ([]DiskSpaceLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DiskSpaceLimit
	err := s.db.Where("server_name = ?", server).Find(&out).Error
	return out, err
}

// RecordObservation stores the monitor's latest usage sample and reports
// whether it breaches any configured limit for the same path.
func (s *DiskSpaceStore) RecordObservation(server, path string, usedPercent float64) (bool, error) {
	s.mu.Lock()
	obs := DiskSpaceObservation{ServerName: server, Path: path, UsedPercent: usedPercent, ObservedAt: time.Now()}
	if err := s.db.Create(&obs).Error; err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	limits, err := s.Limits(server)
	if err != nil {
		return false, err
	}
	for _, l := range limits {
		if l.Path == path && usedPercent >= float64(l.Percent) {
			return true, nil
		}
	}
	return false, nil
}

// Close releases the underlying database handle.
func (s *DiskSpaceStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
