// Package domain defines the canonical data types shared across the
// ingest pipeline. These types are the single source of truth for the
// Property schema and the result shapes every component downstream of
// the Adapter reads and writes.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// PropertyType enumerates the canonical property categories.
type PropertyType string

const (
	PropertyTypeSingleFamily PropertyType = "single_family"
	PropertyTypeTownhouse    PropertyType = "townhouse"
	PropertyTypeCondo        PropertyType = "condo"
	PropertyTypeMultiFamily  PropertyType = "multi_family"
	PropertyTypeManufactured PropertyType = "manufactured"
	PropertyTypeLot          PropertyType = "lot"
	PropertyTypeCommercial   PropertyType = "commercial"
	PropertyTypeUnknown      PropertyType = "unknown"
)

// ListingStatus enumerates listing lifecycle states.
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "active"
	ListingStatusPending   ListingStatus = "pending"
	ListingStatusSold      ListingStatus = "sold"
	ListingStatusOffMarket ListingStatus = "off_market"
	ListingStatusWithdrawn ListingStatus = "withdrawn"
	ListingStatusUnknown   ListingStatus = "unknown"
)

// terminalListingStatuses are statuses after which a property is no
// longer actively listed. Repository.Upsert stores is_active as the
// incoming property carries it; it does not derive is_active from these
// statuses or from the age of the last observation.
var terminalListingStatuses = map[ListingStatus]bool{
	ListingStatusSold:      true,
	ListingStatusOffMarket: true,
	ListingStatusWithdrawn: true,
}

// IsTerminal reports whether status represents a listing that has left
// the active market.
func (s ListingStatus) IsTerminal() bool {
	return terminalListingStatuses[s]
}

// PriceType enumerates the kinds of price observation recorded in a
// PropertyPrice entry.
type PriceType string

const (
	PriceTypeListing          PriceType = "listing"
	PriceTypeSale             PriceType = "sale"
	PriceTypeAssessed         PriceType = "assessed"
	PriceTypeMarketEstimate   PriceType = "market_estimate"
	PriceTypeLandValue        PriceType = "land_value"
	PriceTypeImprovementValue PriceType = "improvement_value"
)

// Tristate represents a boolean field that may be unknown, distinct
// from a known false. Adapters map a fixed recognition set of source
// tokens onto this type (see internal/adapter).
type Tristate string

const (
	TristateTrue    Tristate = "true"
	TristateFalse   Tristate = "false"
	TristateUnknown Tristate = "unknown"
)

var zipcodePattern = regexp.MustCompile(`^\d{5}(-\d{4})?$`)

// ValidZipcode reports whether zip matches the canonical 5- or
// 9-digit ZIP format.
func ValidZipcode(zip string) bool {
	return zipcodePattern.MatchString(zip)
}

// Address is the canonical postal address of a property.
type Address struct {
	StreetNumber string `json:"street_number" bson:"street_number"`
	StreetName   string `json:"street_name" bson:"street_name"`
	Unit         string `json:"unit,omitempty" bson:"unit,omitempty"`
	City         string `json:"city" bson:"city"`
	State        string `json:"state" bson:"state"`
	Zipcode      string `json:"zipcode" bson:"zipcode"`
	County       string `json:"county" bson:"county"`
}

// Street returns the street number, name, and unit combined into a
// single display line.
func (a Address) Street() string {
	s := a.StreetNumber
	if a.StreetName != "" {
		if s != "" {
			s += " "
		}
		s += a.StreetName
	}
	if a.Unit != "" {
		s += " Unit " + a.Unit
	}
	return s
}

// Features holds the structured physical attributes of a property.
// Numeric fields use pointers where "unknown" must be distinguished
// from a source-reported zero: zero bedrooms/garage spaces are coerced
// to unknown only where the source's own convention treats zero as a
// sentinel rather than a real count.
type Features struct {
	Bedrooms      *int     `json:"bedrooms,omitempty" bson:"bedrooms,omitempty"`
	Bathrooms     *float64 `json:"bathrooms,omitempty" bson:"bathrooms,omitempty"`
	HalfBathrooms *int     `json:"half_bathrooms,omitempty" bson:"half_bathrooms,omitempty"`
	SquareFeet    *int     `json:"square_feet,omitempty" bson:"square_feet,omitempty"`
	LotSizeSqFt   *int     `json:"lot_size_sqft,omitempty" bson:"lot_size_sqft,omitempty"`
	YearBuilt     *int     `json:"year_built,omitempty" bson:"year_built,omitempty"`
	Floors        *int     `json:"floors,omitempty" bson:"floors,omitempty"`
	GarageSpaces  *int     `json:"garage_spaces,omitempty" bson:"garage_spaces,omitempty"`
	Pool          Tristate `json:"pool" bson:"pool"`
	Fireplace     Tristate `json:"fireplace" bson:"fireplace"`
	ACType        string   `json:"ac_type,omitempty" bson:"ac_type,omitempty"`
	HeatingType   string   `json:"heating_type,omitempty" bson:"heating_type,omitempty"`
}

// PropertyPrice is a single price observation attached to a property.
type PropertyPrice struct {
	Amount          float64   `json:"amount" bson:"amount"`
	ObservationDate time.Time `json:"observation_date" bson:"observation_date"`
	PriceType       PriceType `json:"price_type" bson:"price_type"`
	Source          string    `json:"source" bson:"source"`
	Confidence      float64   `json:"confidence" bson:"confidence"`
}

// key returns the (date, price_type, source) tuple used to detect
// duplicate price entries during upsert append.
func (p PropertyPrice) key() [3]string {
	return [3]string{p.ObservationDate.UTC().Format(time.RFC3339), string(p.PriceType), p.Source}
}

// Listing holds the optional active-listing metadata for a property.
type Listing struct {
	Status      ListingStatus `json:"status" bson:"status"`
	MLSID       string        `json:"mls_id,omitempty" bson:"mls_id,omitempty"`
	ListingDate *time.Time    `json:"listing_date,omitempty" bson:"listing_date,omitempty"`
	Agent       string        `json:"agent,omitempty" bson:"agent,omitempty"`
	PhotoURLs   []string      `json:"photo_urls,omitempty" bson:"photo_urls,omitempty"`
}

// TaxInfo holds the optional assessor tax metadata for a property.
type TaxInfo struct {
	APN             string  `json:"apn,omitempty" bson:"apn,omitempty"`
	AssessedValue   float64 `json:"assessed_value,omitempty" bson:"assessed_value,omitempty"`
	TaxAmountAnnual float64 `json:"tax_amount_annual,omitempty" bson:"tax_amount_annual,omitempty"`
	TaxYear         int     `json:"tax_year,omitempty" bson:"tax_year,omitempty"`
}

// DataCollectionMetadata records provenance for one source's
// contribution to a Property.
type DataCollectionMetadata struct {
	Source           string    `json:"source" bson:"source"`
	CollectedAt      time.Time `json:"collected_at" bson:"collected_at"`
	CollectorVersion string    `json:"collector_version" bson:"collector_version"`
	RawDataHash      string    `json:"raw_data_hash" bson:"raw_data_hash"`
	QualityScore     float64   `json:"quality_score" bson:"quality_score"`
}

// Property is the canonical, source-agnostic representation of a
// residential property. It is immutable after creation except for the
// fields the Repository updates on upsert (price_history, sources,
// last_updated, is_active, current_price).
type Property struct {
	PropertyID   string                    `json:"property_id" bson:"property_id"`
	Address      Address                   `json:"address" bson:"address"`
	PropertyType PropertyType              `json:"property_type" bson:"property_type"`
	Features     Features                  `json:"features" bson:"features"`
	PriceHistory []PropertyPrice           `json:"price_history" bson:"price_history"`
	CurrentPrice *float64                  `json:"current_price,omitempty" bson:"current_price,omitempty"`
	Listing      *Listing                  `json:"listing,omitempty" bson:"listing,omitempty"`
	TaxInfo      *TaxInfo                  `json:"tax_info,omitempty" bson:"tax_info,omitempty"`
	Sources      []DataCollectionMetadata  `json:"sources" bson:"sources"`
	RawData      map[string]json.RawMessage `json:"raw_data,omitempty" bson:"raw_data,omitempty"`
	FirstSeen    time.Time                 `json:"first_seen" bson:"first_seen"`
	LastUpdated  time.Time                 `json:"last_updated" bson:"last_updated"`
	IsActive     bool                      `json:"is_active" bson:"is_active"`
}

// BuildPropertyID builds the canonical identifier
// <source>_<normalized-street>_<zipcode> from its constituent parts.
func BuildPropertyID(source, street, zipcode string) string {
	return fmt.Sprintf("%s_%s_%s", source, normalizeStreet(street), zipcode)
}

func normalizeStreet(street string) string {
	out := make([]rune, 0, len(street))
	lastWasSep := false
	for _, r := range street {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			lastWasSep = false
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
			lastWasSep = false
		default:
			if !lastWasSep && len(out) > 0 {
				out = append(out, '-')
				lastWasSep = true
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	return string(out)
}

// RecomputeCurrentPrice applies the §3 resolution rule: the
// highest-confidence non-zero amount in price_history, ties broken by
// most recent observation date. Sets CurrentPrice to nil if no non-zero
// entry exists.
func (p *Property) RecomputeCurrentPrice() {
	var best *PropertyPrice
	for i := range p.PriceHistory {
		entry := &p.PriceHistory[i]
		if entry.Amount == 0 {
			continue
		}
		if best == nil {
			best = entry
			continue
		}
		if entry.Confidence > best.Confidence {
			best = entry
		} else if entry.Confidence == best.Confidence && entry.ObservationDate.After(best.ObservationDate) {
			best = entry
		}
	}
	if best == nil {
		p.CurrentPrice = nil
		return
	}
	amount := best.Amount
	p.CurrentPrice = &amount
}

// SortPriceHistory orders price_history by observation date
// non-decreasing, preserving insertion order for equal dates (a
// stable sort satisfies this directly).
func (p *Property) SortPriceHistory() {
	sort.SliceStable(p.PriceHistory, func(i, j int) bool {
		return p.PriceHistory[i].ObservationDate.Before(p.PriceHistory[j].ObservationDate)
	})
}

// MergePriceHistory appends entries from incoming whose (date,
// price_type, source) tuple is not already present, preserving
// existing order and the idempotent-append invariant (spec invariant
// 4). It returns the number of entries actually appended.
func (p *Property) MergePriceHistory(incoming []PropertyPrice) int {
	existing := make(map[[3]string]bool, len(p.PriceHistory))
	for _, e := range p.PriceHistory {
		existing[e.key()] = true
	}
	appended := 0
	for _, e := range incoming {
		k := e.key()
		if existing[k] {
			continue
		}
		existing[k] = true
		p.PriceHistory = append(p.PriceHistory, e)
		appended++
	}
	if appended > 0 {
		p.SortPriceHistory()
	}
	return appended
}

// MergeSources set-unions incoming into p.Sources, keyed by Source tag;
// a later observation for the same source tag replaces the earlier one.
func (p *Property) MergeSources(incoming []DataCollectionMetadata) {
	byTag := make(map[string]int, len(p.Sources))
	for i, s := range p.Sources {
		byTag[s.Source] = i
	}
	for _, s := range incoming {
		if i, ok := byTag[s.Source]; ok {
			p.Sources[i] = s
			continue
		}
		byTag[s.Source] = len(p.Sources)
		p.Sources = append(p.Sources, s)
	}
}

// CanonicalJSONHash returns the hex-encoded SHA-256 of the canonical
// JSON encoding of raw: keys sorted, no insignificant whitespace,
// numbers in their shortest round-trip form. encoding/json already
// sorts map[string]any keys lexicographically and emits float64 in
// shortest round-trip form, so re-marshaling a generically-decoded
// payload through it is sufficient to produce canonical JSON without a
// dedicated canonicalization library.
func CanonicalJSONHash(raw json.RawMessage) (string, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("decoding raw payload for hashing: %w", err)
	}
	canon, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("encoding canonical payload: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
