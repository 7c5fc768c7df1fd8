package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/phxrealty/ingest/internal/domain"
)

// MaricopaSource extracts records from the Maricopa County assessor
// API's JSON shape, the same raw-struct-then-normalize pattern the
// FRED client uses for series metadata.
type MaricopaSource struct {
	CollectorVersion string
}

func (MaricopaSource) Tag() string { return "maricopa_assessor" }

type maricopaRaw struct {
	APN           string `json:"apn"`
	SitusAddress  string `json:"situs_address"`
	SitusCity     string `json:"situs_city"`
	SitusZip      string `json:"situs_zip"`
	PropertyType  string `json:"property_type"`
	Bedrooms      string `json:"bedrooms"`
	Bathrooms     string `json:"bathrooms"`
	HalfBaths     string `json:"half_baths"`
	LivableSqFt   string `json:"livable_sqft"`
	LotSqFt       string `json:"lot_sqft"`
	YearBuilt     string `json:"year_built"`
	Stories       string `json:"stories"`
	GarageSpaces  string `json:"garage_spaces"`
	Pool          string `json:"pool"`
	Fireplace     string `json:"fireplace"`
	ACType        string `json:"ac_type"`
	HeatingType   string `json:"heating_type"`
	AssessedValue string `json:"assessed_full_cash_value"`
	AssessedDate  string `json:"assessed_date"`
}

// Extract implements Source.
func (s MaricopaSource) Extract(raw map[string]json.RawMessage) (Record, error) {
	payload, ok := raw["record"]
	if !ok {
		return Record{}, fmt.Errorf("maricopa: raw payload missing %q key", "record")
	}

	var r maricopaRaw
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, fmt.Errorf("maricopa: decoding record: %w", err)
	}

	houseNumber, streetName, unit := SplitSitusAddress(r.SitusAddress)

	record := Record{
		HouseNumber:      houseNumber,
		StreetName:       streetName,
		Unit:             unit,
		City:             r.SitusCity,
		Zipcode:          r.SitusZip,
		PropertyType:     r.PropertyType,
		Bedrooms:         r.Bedrooms,
		Bathrooms:        r.Bathrooms,
		HalfBathrooms:    r.HalfBaths,
		SquareFeet:       r.LivableSqFt,
		LotSizeSqFt:      r.LotSqFt,
		YearBuilt:        r.YearBuilt,
		Floors:           r.Stories,
		GarageSpaces:     r.GarageSpaces,
		Pool:             r.Pool,
		Fireplace:        r.Fireplace,
		ACType:           r.ACType,
		HeatingType:      r.HeatingType,
		APN:              r.APN,
		CollectorVersion: s.CollectorVersion,
	}

	if r.AssessedValue != "" {
		record.Prices = append(record.Prices, RawPrice{
			Amount:          r.AssessedValue,
			ObservationDate: r.AssessedDate,
			PriceType:       domain.PriceTypeAssessed,
			Confidence:      0.9,
		})
	}

	return record, nil
}

// SplitSitusAddress splits "123 Main St Unit 4" into house number,
// street name, and unit. Assessor situs addresses place the unit, if
// any, after the token "Unit" or "#". Also used to split the plain
// street strings a scraped-HTML extraction produces, which follow the
// same "number then name" shape.
func SplitSitusAddress(addr string) (houseNumber, streetName, unit string) {
	tokens := tokenize(addr)
	if len(tokens) == 0 {
		return "", "", ""
	}
	houseNumber = tokens[0]
	rest := tokens[1:]

	for i, tok := range rest {
		lower := lowerASCII(tok)
		if lower == "unit" || lower == "#" {
			streetName = joinTokens(rest[:i])
			if i+1 < len(rest) {
				unit = joinTokens(rest[i+1:])
			}
			return houseNumber, streetName, unit
		}
	}
	return houseNumber, joinTokens(rest), ""
}

func tokenize(s string) []string {
	var tokens []string
	var cur []rune
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if len(cur) > 0 {
				tokens = append(tokens, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		tokens = append(tokens, string(cur))
	}
	return tokens
}

func joinTokens(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

func lowerASCII(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
