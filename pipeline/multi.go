package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mila1515/bookcrawl/models"
)

// MultiWriter sends each batch to every underlying writer in order.
type MultiWriter struct {
	writers []OutputWriter
	mu      sync.Mutex
}

// NewMultiWriter combines the given writers into one sink. At least one
// writer is required.
func NewMultiWriter(writers ...OutputWriter) (*MultiWriter, error) {
	if len(writers) == 0 {
		return nil, fmt.Errorf("multi writer needs at least one writer")
	}
	return &MultiWriter{writers: writers}, nil
}

// Write forwards the batch to all writers; the first failure wins.
func (mw *MultiWriter) Write(books []*models.Book) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	for _, w := range mw.writers {
		if err := w.Write(books); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every writer, keeping all errors.
func (mw *MultiWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	var errs []error
	for _, w := range mw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate validates every writer, keeping all errors.
func (mw *MultiWriter) Validate() error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
