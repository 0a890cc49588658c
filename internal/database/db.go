package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// New wraps an already opened handle.
func New(db *sql.DB) *DB {
	return &DB{db}
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		log.Info().Str("migration", filename).Msg("running migration")

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	log.Info().Int("count", len(sqlFiles)).Msg("migrations completed")
	return nil
}

const readingColumns = `
	id, temperature, temp_result, oxygen, oxygen_result,
	phlevel, ph_result, turbidity, turbidity_result,
	catfish, dead_catfish, time_data, dead_catfish_image`

// LatestReading returns the reading with the highest id, or nil when the
// table is empty.
func (db *DB) LatestReading(ctx context.Context) (*Reading, error) {
	query := `SELECT` + readingColumns + `
		FROM aquamans
		ORDER BY id DESC
		LIMIT 1
	`

	var r Reading
	err := db.QueryRowContext(ctx, query).Scan(
		&r.ID,
		&r.Temperature,
		&r.TempResult,
		&r.Oxygen,
		&r.OxygenResult,
		&r.PHLevel,
		&r.PHResult,
		&r.Turbidity,
		&r.TurbidityResult,
		&r.Catfish,
		&r.DeadCatfish,
		&r.TimeData,
		&r.DeadCatfishImage,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// LatestSnapshot returns the water-quality half of the latest reading.
// It returns ErrNoReading when no reading exists yet.
func (db *DB) LatestSnapshot(ctx context.Context) (*WaterQuality, error) {
	query := `
		SELECT temperature, temp_result, oxygen, oxygen_result,
		       phlevel, ph_result, turbidity, turbidity_result
		FROM aquamans
		ORDER BY id DESC
		LIMIT 1
	`

	var wq WaterQuality
	err := db.QueryRowContext(ctx, query).Scan(
		&wq.Temperature,
		&wq.TempResult,
		&wq.Oxygen,
		&wq.OxygenResult,
		&wq.PHLevel,
		&wq.PHResult,
		&wq.Turbidity,
		&wq.TurbidityResult,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoReading
	}
	if err != nil {
		return nil, err
	}

	return &wq, nil
}

// InsertReading inserts a new reading and sets its ID
func (db *DB) InsertReading(ctx context.Context, r *Reading) error {
	query := `
		INSERT INTO aquamans (
			temperature, temp_result, oxygen, oxygen_result,
			phlevel, ph_result, turbidity, turbidity_result,
			catfish, dead_catfish, time_data, dead_catfish_image
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	return db.QueryRowContext(
		ctx,
		query,
		r.Temperature,
		r.TempResult,
		r.Oxygen,
		r.OxygenResult,
		r.PHLevel,
		r.PHResult,
		r.Turbidity,
		r.TurbidityResult,
		r.Catfish,
		r.DeadCatfish,
		r.TimeData,
		nullableBytes(r.DeadCatfishImage),
	).Scan(&r.ID)
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// UpdateLatestCounts overwrites the fish counts of the latest reading and
// returns its id. It returns ErrNoReading when the table is empty.
func (db *DB) UpdateLatestCounts(ctx context.Context, catfish, deadCatfish int) (int64, error) {
	query := `
		UPDATE aquamans
		SET catfish = $1, dead_catfish = $2
		WHERE id = (SELECT MAX(id) FROM aquamans)
		RETURNING id
	`

	var id int64
	err := db.QueryRowContext(ctx, query, catfish, deadCatfish).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoReading
	}
	if err != nil {
		return 0, err
	}

	return id, nil
}
