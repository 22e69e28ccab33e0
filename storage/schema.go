package storage

// Schema setup runs idempotently at open time. The url column is the natural
// key for upserts; stock defaults to -1 (unknown), which is not the same as 0
// (confirmed out-of-stock); created_at is set on first insert only.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS books (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    category TEXT,
    price REAL,
    stock INTEGER DEFAULT -1,
    rating INTEGER,
    url TEXT UNIQUE NOT NULL,
    description TEXT,
    upc TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_books_category ON books(category);
CREATE INDEX IF NOT EXISTS idx_books_price ON books(price);
CREATE INDEX IF NOT EXISTS idx_books_rating ON books(rating);

CREATE TABLE IF NOT EXISTS scrapes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    items_processed INTEGER DEFAULT 0,
    status TEXT
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS books (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL,
    category TEXT,
    price DOUBLE PRECISION,
    stock INTEGER DEFAULT -1,
    rating INTEGER,
    url TEXT UNIQUE NOT NULL,
    description TEXT,
    upc TEXT,
    created_at TIMESTAMPTZ DEFAULT now(),
    updated_at TIMESTAMPTZ DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_books_category ON books(category);
CREATE INDEX IF NOT EXISTS idx_books_price ON books(price);
CREATE INDEX IF NOT EXISTS idx_books_rating ON books(rating);

CREATE TABLE IF NOT EXISTS scrapes (
    id BIGSERIAL PRIMARY KEY,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ DEFAULT now(),
    items_processed INTEGER DEFAULT 0,
    status TEXT
);
`

const sqliteUpsert = `
INSERT INTO books (title, category, price, stock, rating, url, description, upc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
    title = excluded.title,
    category = excluded.category,
    price = excluded.price,
    stock = excluded.stock,
    rating = excluded.rating,
    description = excluded.description,
    upc = excluded.upc,
    updated_at = CURRENT_TIMESTAMP
`

const postgresUpsert = `
INSERT INTO books (title, category, price, stock, rating, url, description, upc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (url) DO UPDATE SET
    title = EXCLUDED.title,
    category = EXCLUDED.category,
    price = EXCLUDED.price,
    stock = EXCLUDED.stock,
    rating = EXCLUDED.rating,
    description = EXCLUDED.description,
    upc = EXCLUDED.upc,
    updated_at = now()
`

const sqliteRecordRun = `
INSERT INTO scrapes (started_at, finished_at, items_processed, status)
VALUES (?, CURRENT_TIMESTAMP, ?, ?)
`

const postgresRecordRun = `
INSERT INTO scrapes (started_at, finished_at, items_processed, status)
VALUES ($1, now(), $2, $3)
`

// sqlitePragmas tune the default driver for bursty batch writes.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}
