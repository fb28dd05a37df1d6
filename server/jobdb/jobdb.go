package jobdb

// Package jobdb is a log of every detection job, so that a result can be found by its job ID

import (
	"fmt"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// Maximum number of jobs returned by List
const MaxListLimit = 1000

type JobDB struct {
	log logs.Log
	db  *gorm.DB
}

// Open or create the DB
func NewJobDB(log logs.Log, dbFilename string) (*JobDB, error) {
	log.Infof("Opening job DB at '%v'", dbFilename)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &JobDB{
		log: log,
		db:  db,
	}, nil
}

func (j *JobDB) Close() {
	if sqlDB, err := j.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Create a new job. If CreatedAt is zero, it is set to now.
func (j *JobDB) Create(job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = dbh.MakeIntTime(time.Now())
	}
	return j.db.Create(job).Error
}

// Save all fields of an existing job
func (j *JobDB) Save(job *Job) error {
	return j.db.Save(job).Error
}

func (j *JobDB) Get(id int64) (*Job, error) {
	job := Job{}
	if err := j.db.First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// List the most recent jobs, newest first
func (j *JobDB) List(limit int) ([]Job, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	jobs := []Job{}
	err := j.db.Order("id DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// Delete jobs older than maxAge, and return their result names so that the caller can delete the images
func (j *JobDB) DeleteOlderThan(maxAge time.Duration) ([]string, error) {
	cutoff := dbh.MakeIntTime(time.Now().Add(-maxAge))
	old := []Job{}
	if err := j.db.Where("created_at < ?", cutoff).Find(&old).Error; err != nil {
		return nil, err
	}
	names := []string{}
	for _, job := range old {
		if job.ResultName != "" {
			names = append(names, job.ResultName)
		}
	}
	if err := j.db.Where("created_at < ?", cutoff).Delete(&Job{}).Error; err != nil {
		return nil, err
	}
	return names, nil
}
