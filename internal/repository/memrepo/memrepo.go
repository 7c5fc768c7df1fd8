// Package memrepo is an in-memory Repository implementation used as a
// swappable test double, mirroring the production MongoRepository's
// contract without requiring a live database.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/phxrealty/ingest/internal/domain"
	"github.com/phxrealty/ingest/internal/repository"
)

// Repository is an in-memory, mutex-guarded implementation of
// repository.Repository.
type Repository struct {
	mu         sync.Mutex
	properties map[string]domain.Property
	now        func() time.Time
}

// Option configures a Repository at construction.
type Option func(*Repository)

// WithClock overrides the repository's time source; intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// New builds an empty in-memory Repository.
func New(opts ...Option) *Repository {
	r := &Repository{properties: make(map[string]domain.Property), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ repository.Repository = (*Repository)(nil)

// Ping always succeeds; an in-memory store has no connection to lose.
func (r *Repository) Ping(ctx context.Context) error {
	return nil
}

func (r *Repository) Create(ctx context.Context, property domain.Property) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.properties[property.PropertyID]; exists {
		return "", repository.ErrAlreadyExists
	}
	now := r.now()
	property.FirstSeen, property.LastUpdated = now, now
	r.properties[property.PropertyID] = property
	return property.PropertyID, nil
}

func (r *Repository) Upsert(ctx context.Context, property domain.Property) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, ok := r.properties[property.PropertyID]
	if !ok {
		property.FirstSeen, property.LastUpdated = now, now
		r.properties[property.PropertyID] = property
		return property.PropertyID, true, nil
	}

	merged := existing
	merged.PropertyType = property.PropertyType
	merged.Features = property.Features
	merged.Listing = property.Listing
	merged.TaxInfo = property.TaxInfo
	merged.MergePriceHistory(property.PriceHistory)
	merged.MergeSources(property.Sources)
	merged.RecomputeCurrentPrice()
	merged.LastUpdated = now
	merged.IsActive = property.IsActive

	r.properties[merged.PropertyID] = merged
	return merged.PropertyID, false, nil
}

func (r *Repository) GetByPropertyID(ctx context.Context, propertyID string) (*domain.Property, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	property, ok := r.properties[propertyID]
	if !ok {
		return nil, nil
	}
	clone := property
	return &clone, nil
}

func (r *Repository) SearchByZipcode(ctx context.Context, zipcode string, opts repository.SearchOptions) ([]domain.Property, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []domain.Property
	for _, p := range r.properties {
		if p.Address.Zipcode == zipcode {
			matches = append(matches, p)
		}
	}

	sortField := opts.SortBy
	if sortField == "" {
		sortField = repository.SortByLastUpdated
	}
	sort.Slice(matches, func(i, j int) bool {
		less := false
		switch sortField {
		case repository.SortByCurrentPrice:
			less = lessPrice(matches[i].CurrentPrice, matches[j].CurrentPrice)
		default:
			less = matches[i].LastUpdated.Before(matches[j].LastUpdated)
		}
		if opts.SortOrder == repository.SortDescending {
			return !less
		}
		return less
	})

	total := int64(len(matches))
	start := opts.Skip
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return append([]domain.Property{}, matches[start:end]...), total, nil
}

func (r *Repository) GetRecentUpdates(ctx context.Context, since time.Time, limit int64) ([]domain.Property, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []domain.Property
	for _, p := range r.properties {
		if !p.LastUpdated.Before(since) {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].LastUpdated.After(matches[j].LastUpdated)
	})
	if limit > 0 && int64(len(matches)) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *Repository) GetPriceStatistics(ctx context.Context, zipcode string) (repository.PriceStatistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prices []float64
	for _, p := range r.properties {
		if p.Address.Zipcode != zipcode || !p.IsActive || p.CurrentPrice == nil {
			continue
		}
		prices = append(prices, *p.CurrentPrice)
	}
	if len(prices) == 0 {
		return repository.PriceStatistics{}, nil
	}
	sort.Float64s(prices)

	var sum, min, max float64
	min, max = prices[0], prices[0]
	for _, v := range prices {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	return repository.PriceStatistics{
		Count:  int64(len(prices)),
		Avg:    sum / float64(len(prices)),
		Min:    min,
		Max:    max,
		Median: median(prices),
	}, nil
}

func (r *Repository) AddPriceHistory(ctx context.Context, propertyID string, entry domain.PropertyPrice) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	property, ok := r.properties[propertyID]
	if !ok {
		return false, repository.ErrNotFound
	}
	appended := property.MergePriceHistory([]domain.PropertyPrice{entry})
	if appended == 0 {
		return false, nil
	}
	property.RecomputeCurrentPrice()
	property.LastUpdated = r.now()
	r.properties[propertyID] = property
	return true, nil
}

func lessPrice(a, b *float64) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	default:
		return *a < *b
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
