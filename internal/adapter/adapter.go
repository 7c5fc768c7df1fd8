// Package adapter transforms a source-specific raw record into a
// canonical domain.Property. Adapters are pure functions: no I/O, no
// shared state, safe to call concurrently and repeatedly.
package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/phxrealty/ingest/internal/domain"
)

// MissingFieldError reports which required fields a raw record lacked.
// It mirrors the original collector's ValidationError shape: missing
// fields plus the set of fields that WERE available, so callers can
// triage without re-fetching the raw payload.
type MissingFieldError struct {
	Missing   []string
	Available []string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Missing, ", "))
}

// requiredFields are the three fields the contract calls out by name;
// everything else is optional and defaults to zero-value/"unknown".
var requiredFields = []string{"house_number", "street_name", "zipcode"}

// criticalFieldWeights assigns ~10 critical fields weights summing to
// 1.0; QualityScore is the sum of weights for fields present and
// non-empty in the adapted Property.
var criticalFieldWeights = map[string]float64{
	"street_number": 0.12,
	"street_name":   0.12,
	"zipcode":       0.12,
	"city":          0.08,
	"property_type": 0.08,
	"bedrooms":      0.12,
	"bathrooms":     0.12,
	"square_feet":   0.12,
	"year_built":    0.08,
	"current_price": 0.04,
}

// trueTokens and falseTokens are the tri-state boolean recognition
// sets, case-insensitive, adopted verbatim from the original
// collector's validators module.
var trueTokens = map[string]bool{"yes": true, "true": true, "1": true, "y": true, "on": true}
var falseTokens = map[string]bool{"no": true, "false": true, "0": true, "n": true, "off": true}

// Source is a per-source field extractor. A concrete Source
// implementation (e.g. the Maricopa assessor's JSON shape) knows how
// to pull the handful of raw keys it understands out of a generic
// map; Adapt does the rest (tri-state coercion, quality scoring,
// hashing) uniformly for every source.
type Source interface {
	// Tag identifies this source for DataCollectionMetadata.Source and
	// for property ID construction.
	Tag() string
	// Extract pulls source-specific fields out of raw into a Record.
	Extract(raw map[string]json.RawMessage) (Record, error)
}

// Record is the source-agnostic intermediate shape a Source.Extract
// populates; Adapt maps it into a domain.Property.
type Record struct {
	HouseNumber      string
	StreetName       string
	Unit             string
	City             string
	State            string
	Zipcode          string
	County           string
	PropertyType     string
	Bedrooms         string
	Bathrooms        string
	HalfBathrooms    string
	SquareFeet       string
	LotSizeSqFt      string
	YearBuilt        string
	Floors           string
	GarageSpaces     string
	Pool             string
	Fireplace        string
	ACType           string
	HeatingType      string
	APN              string
	Prices           []RawPrice
	CollectorVersion string
}

// RawPrice is one source-reported price observation before
// canonicalization into a domain.PropertyPrice.
type RawPrice struct {
	Amount          string
	ObservationDate string
	PriceType       domain.PriceType
	Confidence      float64
}

// Adapt runs src's extraction against raw, then performs the
// source-agnostic canonicalization: address assembly, type coercion,
// price history construction, quality scoring, and raw_data_hash
// computation.
func Adapt(src Source, raw map[string]json.RawMessage, collectedAt time.Time) (domain.Property, error) {
	record, err := src.Extract(raw)
	if err != nil {
		return domain.Property{}, err
	}

	if err := checkRequired(record); err != nil {
		return domain.Property{}, err
	}

	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return domain.Property{}, fmt.Errorf("re-encoding raw payload: %w", err)
	}
	hash, err := domain.CanonicalJSONHash(rawJSON)
	if err != nil {
		return domain.Property{}, fmt.Errorf("hashing raw payload: %w", err)
	}

	address := domain.Address{
		StreetNumber: record.HouseNumber,
		StreetName:   record.StreetName,
		Unit:         record.Unit,
		City:         defaultString(record.City, "Phoenix"),
		State:        defaultString(record.State, "AZ"),
		Zipcode:      record.Zipcode,
		County:       defaultString(record.County, "Maricopa"),
	}

	features := extractFeatures(record)
	prices := extractPrices(record, src.Tag())

	p := domain.Property{
		PropertyID:   domain.BuildPropertyID(src.Tag(), address.Street(), address.Zipcode),
		Address:      address,
		PropertyType: propertyType(record.PropertyType),
		Features:     features,
		PriceHistory: prices,
		Sources: []domain.DataCollectionMetadata{{
			Source:           src.Tag(),
			CollectedAt:      collectedAt,
			CollectorVersion: record.CollectorVersion,
			RawDataHash:      hash,
		}},
		FirstSeen:   collectedAt,
		LastUpdated: collectedAt,
		IsActive:    true,
	}
	if record.APN != "" {
		p.TaxInfo = &domain.TaxInfo{APN: record.APN}
	}
	p.SortPriceHistory()
	p.RecomputeCurrentPrice()

	score := QualityScore(p)
	p.Sources[0].QualityScore = score

	return p, nil
}

func checkRequired(r Record) error {
	var missing, available []string
	fields := map[string]string{
		"house_number": r.HouseNumber,
		"street_name":  r.StreetName,
		"zipcode":      r.Zipcode,
	}
	for _, name := range requiredFields {
		v := strings.TrimSpace(fields[name])
		if v == "" {
			missing = append(missing, name)
		} else {
			available = append(available, name)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldError{Missing: missing, Available: available}
	}
	return nil
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func propertyType(v string) domain.PropertyType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "single_family", "single family", "sfr":
		return domain.PropertyTypeSingleFamily
	case "townhouse", "townhome":
		return domain.PropertyTypeTownhouse
	case "condo", "condominium":
		return domain.PropertyTypeCondo
	case "multi_family", "multi-family", "duplex", "triplex", "fourplex":
		return domain.PropertyTypeMultiFamily
	case "manufactured", "mobile":
		return domain.PropertyTypeManufactured
	case "lot", "land":
		return domain.PropertyTypeLot
	case "commercial":
		return domain.PropertyTypeCommercial
	default:
		return domain.PropertyTypeUnknown
	}
}

// parseThousands parses a numeric string that may contain thousands
// separators ("1,850") into an int.
func parseThousands(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	cleaned := strings.ReplaceAll(s, ",", "")
	v, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// tristate maps a raw string onto domain.Tristate using the
// case-insensitive recognition sets; anything unrecognized (including
// empty) is domain.TristateUnknown.
func tristate(s string) domain.Tristate {
	lower := strings.ToLower(strings.TrimSpace(s))
	if trueTokens[lower] {
		return domain.TristateTrue
	}
	if falseTokens[lower] {
		return domain.TristateFalse
	}
	return domain.TristateUnknown
}

// zeroIsSentinel fields: source convention treats a reported "0" as
// "not reported" rather than a true zero for bedrooms and garage spaces.
func extractFeatures(r Record) domain.Features {
	f := domain.Features{
		Pool:        tristate(r.Pool),
		Fireplace:   tristate(r.Fireplace),
		ACType:      r.ACType,
		HeatingType: r.HeatingType,
	}

	if v, ok := parseThousands(r.Bedrooms); ok {
		if v != 0 {
			f.Bedrooms = intPtr(v)
		}
	}
	if v, ok := parseFloat(r.Bathrooms); ok {
		f.Bathrooms = floatPtr(v)
	}
	if v, ok := parseThousands(r.HalfBathrooms); ok {
		f.HalfBathrooms = intPtr(v)
	}
	if v, ok := parseThousands(r.SquareFeet); ok {
		f.SquareFeet = intPtr(v)
	}
	if v, ok := parseThousands(r.LotSizeSqFt); ok {
		f.LotSizeSqFt = intPtr(v)
	}
	if v, ok := parseThousands(r.YearBuilt); ok {
		f.YearBuilt = intPtr(v)
	}
	if v, ok := parseThousands(r.Floors); ok {
		f.Floors = intPtr(v)
	}
	if v, ok := parseThousands(r.GarageSpaces); ok {
		if v != 0 {
			f.GarageSpaces = intPtr(v)
		}
	}
	return f
}

func extractPrices(r Record, sourceTag string) []domain.PropertyPrice {
	out := make([]domain.PropertyPrice, 0, len(r.Prices))
	for _, rp := range r.Prices {
		amount, ok := parseFloat(rp.Amount)
		if !ok {
			continue
		}
		date, err := time.Parse("2006-01-02", rp.ObservationDate)
		if err != nil {
			date = time.Time{}
		}
		confidence := rp.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		out = append(out, domain.PropertyPrice{
			Amount:          amount,
			ObservationDate: date,
			PriceType:       rp.PriceType,
			Source:          sourceTag,
			Confidence:      confidence,
		})
	}
	return out
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// QualityScore computes the fraction (by weight) of critical fields
// present and non-empty in p.
func QualityScore(p domain.Property) float64 {
	score := 0.0
	have := func(key string, ok bool) {
		if ok {
			score += criticalFieldWeights[key]
		}
	}
	have("street_number", p.Address.StreetNumber != "")
	have("street_name", p.Address.StreetName != "")
	have("zipcode", p.Address.Zipcode != "")
	have("city", p.Address.City != "")
	have("property_type", p.PropertyType != "" && p.PropertyType != domain.PropertyTypeUnknown)
	have("bedrooms", p.Features.Bedrooms != nil)
	have("bathrooms", p.Features.Bathrooms != nil)
	have("square_feet", p.Features.SquareFeet != nil)
	have("year_built", p.Features.YearBuilt != nil)
	have("current_price", p.CurrentPrice != nil)
	return score
}
