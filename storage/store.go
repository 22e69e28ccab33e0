// Package storage persists crawled records into a relational store. SQLite is
// the default engine; PostgreSQL is selected by configuration. Both go
// through database/sql with per-dialect SQL, and the books table is upserted
// on the url natural key.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mila1515/bookcrawl/config"
	"github.com/mila1515/bookcrawl/models"
)

// Store owns the single database connection for the duration of a run. It is
// opened once at run start and closed once at run end; schema setup happens
// at open time.
type Store struct {
	db     *sql.DB
	driver string

	upsertSQL    string
	recordRunSQL string

	mu       sync.Mutex
	dbErrors int64
	written  int64
	closed   bool
}

// Open connects to the configured database, applies driver tuning and runs
// idempotent schema setup. A failure here is fatal to the run: the crawl
// cannot proceed without persistence.
func Open(cfg *config.Config) (*Store, error) {
	db, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDriver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.DBDriver, err)
	}

	s := &Store{db: db, driver: cfg.DBDriver}
	switch cfg.DBDriver {
	case config.DriverSQLite:
		s.upsertSQL = sqliteUpsert
		s.recordRunSQL = sqliteRecordRun
		// A single writer owns the connection; extra handles only cause
		// SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
		for _, pragma := range sqlitePragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
		if _, err := db.Exec(sqliteSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	case config.DriverPostgres:
		s.upsertSQL = postgresUpsert
		s.recordRunSQL = postgresRecordRun
		if _, err := db.Exec(postgresSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}

	return s, nil
}

// Write upserts a batch of records. The whole batch is tried in one
// transaction first; if that fails, each record is retried individually so a
// single bad row never discards the rest of the batch. Implements
// pipeline.OutputWriter.
func (s *Store) Write(books []*models.Book) error {
	if len(books) == 0 {
		return nil
	}

	if err := s.writeTx(books); err == nil {
		atomic.AddInt64(&s.written, int64(len(books)))
		return nil
	}

	for _, book := range books {
		if _, err := s.db.Exec(s.upsertSQL, s.upsertArgs(book)...); err != nil {
			atomic.AddInt64(&s.dbErrors, 1)
			slog.Error("upsert failed",
				slog.String("url", book.URL),
				slog.Any("error", err),
			)
			continue
		}
		atomic.AddInt64(&s.written, 1)
	}
	return nil
}

func (s *Store) writeTx(books []*models.Book) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	stmt, err := tx.Prepare(s.upsertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, book := range books {
		if _, err := stmt.Exec(s.upsertArgs(book)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert %s: %w", book.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Store) upsertArgs(book *models.Book) []any {
	return []any{
		book.Title,
		nullString(book.Category),
		nullFloat(book.Price),
		book.Stock,
		nullInt(book.Rating),
		book.URL,
		nullString(book.Description),
		nullString(book.UPC),
	}
}

// RecordRun appends one row to the scrapes table summarising the run.
func (s *Store) RecordRun(start time.Time, itemsProcessed int, status string) error {
	if _, err := s.db.Exec(s.recordRunSQL, start, itemsProcessed, status); err != nil {
		atomic.AddInt64(&s.dbErrors, 1)
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Validate confirms rows actually landed. Implements pipeline.OutputWriter.
func (s *Store) Validate() error {
	count, err := s.CountBooks()
	if err != nil {
		return err
	}
	if count == 0 && atomic.LoadInt64(&s.written) > 0 {
		return fmt.Errorf("wrote %d records but books table is empty", s.written)
	}
	return nil
}

// Close closes the database handle. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DatabaseErrors reports the number of failed write operations.
func (s *Store) DatabaseErrors() int {
	return int(atomic.LoadInt64(&s.dbErrors))
}

// CountBooks returns the number of stored records.
func (s *Store) CountBooks() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM books`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count books: %w", err)
	}
	return count, nil
}

// GetByURL fetches one record by its natural key.
func (s *Store) GetByURL(url string) (*models.Book, error) {
	query := `SELECT id, title, category, price, stock, rating, url, description, upc, created_at, updated_at
		FROM books WHERE url = ?`
	if s.driver == config.DriverPostgres {
		query = `SELECT id, title, category, price, stock, rating, url, description, upc, created_at, updated_at
		FROM books WHERE url = $1`
	}

	var (
		book        models.Book
		category    sql.NullString
		price       sql.NullFloat64
		rating      sql.NullInt64
		description sql.NullString
		upc         sql.NullString
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := s.db.QueryRow(query, url).Scan(
		&book.ID, &book.Title, &category, &price, &book.Stock, &rating,
		&book.URL, &description, &upc, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", url, err)
	}

	book.Category = category.String
	book.Description = description.String
	book.UPC = upc.String
	if price.Valid {
		book.Price = &price.Float64
	}
	if rating.Valid {
		value := int(rating.Int64)
		book.Rating = &value
	}
	book.CreatedAt = &createdAt
	book.UpdatedAt = &updatedAt
	return &book, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
