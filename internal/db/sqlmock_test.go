package db

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control-monitor/internal/model"
)

func TestInsertBatchRollsBackOnFullDisk(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	d := newDB(sqlDB, "mock.db")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO events"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errDiskFull)
	mock.ExpectRollback()

	err = d.InsertBatch(context.Background(), []model.ChangeEvent{
		event("g", "a", 1, 0, model.NumberValue(1)),
		event("g", "a", 2, 0, model.NumberValue(2)),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database or disk is full")
	assert.Contains(t, err.Error(), "insert event 2 of 2")
	require.NoError(t, mock.ExpectationsWereMet())
}

type diskFullError struct{}

func (diskFullError) Error() string { return "database or disk is full (13)" }

var errDiskFull = diskFullError{}
