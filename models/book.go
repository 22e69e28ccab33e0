// Package models defines the data structures shared across the crawler.
package models

import "time"

// StockUnknown is the sentinel for "in stock, count unknown". It is distinct
// from 0, which means confirmed out-of-stock, and must survive unchanged all
// the way into storage.
const StockUnknown = -1

// Book is the unit the crawler assembles, validates and persists. Optional
// fields are pointers so "absent" is a nil check, never a zero-value guess.
type Book struct {
	ID          int64      `json:"id,omitempty"`
	Title       string     `json:"title"`
	Category    string     `json:"category,omitempty"`
	Price       *float64   `json:"price"`
	Stock       int        `json:"stock"`
	Rating      *int       `json:"rating"`
	URL         string     `json:"url"`
	Description string     `json:"description,omitempty"`
	UPC         string     `json:"upc,omitempty"`
	ScrapedAt   time.Time  `json:"scraped_at"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// CrawlResult holds the overall outcome of a crawl run.
type CrawlResult struct {
	StartTime    time.Time
	EndTime      time.Time
	TotalCount   int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
	PageCount    int
}
