package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn), mock
}

var readingCols = []string{
	"id", "temperature", "temp_result", "oxygen", "oxygen_result",
	"phlevel", "ph_result", "turbidity", "turbidity_result",
	"catfish", "dead_catfish", "time_data", "dead_catfish_image",
}

func TestLatestReading(t *testing.T) {
	db, mock := newMockDB(t)
	ts := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM aquamans ORDER BY id DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows(readingCols).
			AddRow(7, 28.5, "Normal", 6.1, "Normal", 7.2, "Normal", 30.0, "Clear", 12, 1, ts, nil))

	r, err := db.LatestReading(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, int64(7), r.ID)
	assert.Equal(t, 28.5, r.Temperature)
	assert.Equal(t, "Clear", r.TurbidityResult)
	assert.Equal(t, 12, r.Catfish)
	assert.Equal(t, 1, r.DeadCatfish)
	assert.Nil(t, r.DeadCatfishImage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestReading_Empty(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT (.+) FROM aquamans").
		WillReturnRows(sqlmock.NewRows(readingCols))

	r, err := db.LatestReading(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestLatestSnapshot_NoReading(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT temperature, (.+) FROM aquamans").
		WillReturnRows(sqlmock.NewRows([]string{"temperature"}))

	_, err := db.LatestSnapshot(context.Background())
	assert.Equal(t, ErrNoReading, err)
}

func TestLatestSnapshot(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT temperature, (.+) FROM aquamans").
		WillReturnRows(sqlmock.NewRows([]string{
			"temperature", "temp_result", "oxygen", "oxygen_result",
			"phlevel", "ph_result", "turbidity", "turbidity_result",
		}).AddRow(27.0, "Normal", 4.0, "Low", 6.5, "Normal", 55.0, "Cloudy"))

	wq, err := db.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Low", wq.OxygenResult)
	assert.Equal(t, 55.0, wq.Turbidity)
}

func TestInsertReading(t *testing.T) {
	db, mock := newMockDB(t)
	jpeg := []byte{0xff, 0xd8, 0xff}

	mock.ExpectQuery("INSERT INTO aquamans").
		WithArgs(27.0, "Normal", 4.0, "Low", 6.5, "Normal", 55.0, "Cloudy", 3, 2, sqlmock.AnyArg(), jpeg).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	r := &Reading{
		WaterQuality: WaterQuality{
			Temperature: 27.0, TempResult: "Normal",
			Oxygen: 4.0, OxygenResult: "Low",
			PHLevel: 6.5, PHResult: "Normal",
			Turbidity: 55.0, TurbidityResult: "Cloudy",
		},
		Catfish:          3,
		DeadCatfish:      2,
		TimeData:         time.Now(),
		DeadCatfishImage: jpeg,
	}

	require.NoError(t, db.InsertReading(context.Background(), r))
	assert.Equal(t, int64(42), r.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading_WithoutImageSendsNull(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("INSERT INTO aquamans").
		WithArgs(0.0, "", 0.0, "", 0.0, "", 0.0, "", 5, 0, sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	r := &Reading{Catfish: 5, TimeData: time.Now()}
	require.NoError(t, db.InsertReading(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLatestCounts(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("UPDATE aquamans SET catfish").
		WithArgs(9, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	id, err := db.UpdateLatestCounts(context.Background(), 9, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
}

func TestUpdateLatestCounts_NoReading(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("UPDATE aquamans SET catfish").
		WithArgs(1, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := db.UpdateLatestCounts(context.Background(), 1, 0)
	assert.Equal(t, ErrNoReading, err)
}

func TestRunMigrations(t *testing.T) {
	db, mock := newMockDB(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_b.sql"), []byte("SELECT 2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("SELECT 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT 2").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.RunMigrations(dir))
	assert.NoError(t, mock.ExpectationsWereMet())
}
