// Package repository defines the document-store contract for
// Property persistence and a MongoDB-backed implementation.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/phxrealty/ingest/internal/domain"
)

// ErrAlreadyExists is returned by Create when a property_id is already
// present.
var ErrAlreadyExists = errors.New("repository: property_id already exists")

// ErrNotFound is returned by operations that target a specific
// property_id with no match.
var ErrNotFound = errors.New("repository: property not found")

// SortField names a field Repository.SearchByZipcode can sort by.
type SortField string

const (
	SortByLastUpdated  SortField = "last_updated"
	SortByCurrentPrice SortField = "current_price"
)

// SortOrder controls ascending or descending ordering.
type SortOrder int

const (
	SortAscending SortOrder = iota
	SortDescending
)

// SearchOptions parameters a zipcode search.
type SearchOptions struct {
	Skip      int64
	Limit     int64
	SortBy    SortField
	SortOrder SortOrder
}

// PriceStatistics summarizes current_price across active listings in
// a zipcode.
type PriceStatistics struct {
	Count  int64
	Avg    float64
	Min    float64
	Max    float64
	Median float64
}

// Repository is the document-store contract every Property-persisting
// component (Collector, ProcessingService) depends on. A MongoDB
// implementation and an in-memory test double both satisfy it.
type Repository interface {
	// Create inserts property, failing with ErrAlreadyExists if its
	// property_id is already present.
	Create(ctx context.Context, property domain.Property) (propertyID string, err error)

	// Upsert inserts property if its property_id is new, or merges it
	// into the existing document: scalar fields replace, price_history
	// appends only new (date, price_type, source) tuples, sources
	// set-union by source tag, last_updated is set to now.
	Upsert(ctx context.Context, property domain.Property) (propertyID string, wasCreated bool, err error)

	GetByPropertyID(ctx context.Context, propertyID string) (*domain.Property, error)

	SearchByZipcode(ctx context.Context, zipcode string, opts SearchOptions) (properties []domain.Property, total int64, err error)

	GetRecentUpdates(ctx context.Context, since time.Time, limit int64) ([]domain.Property, error)

	GetPriceStatistics(ctx context.Context, zipcode string) (PriceStatistics, error)

	AddPriceHistory(ctx context.Context, propertyID string, entry domain.PropertyPrice) (bool, error)
}
