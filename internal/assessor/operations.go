package assessor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/phxrealty/ingest/internal/supervisor"
)

// InvalidInputError reports a caller argument that failed validation
// before any network call was attempted, distinct from a network or
// upstream error.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// SearchByZipcode returns raw records matching zip. page is 1-based;
// zero or negative defaults to page 1.
func (c *Client) SearchByZipcode(ctx context.Context, zip string, page int) ([]map[string]json.RawMessage, error) {
	if !validZipcode(zip) {
		return nil, &InvalidInputError{Field: "zip", Message: fmt.Sprintf("invalid zipcode: %q", zip)}
	}
	if page < 1 {
		page = 1
	}

	params := url.Values{}
	params.Set("zip", zip)
	params.Set("page", strconv.Itoa(page))

	var raw struct {
		Records []map[string]json.RawMessage `json:"records"`
	}
	if err := c.get(ctx, "properties/search", params, &raw); err != nil {
		if supervisor.KindOf(err) == supervisor.KindNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("search by zipcode %s: %w", zip, err)
	}
	return raw.Records, nil
}

// GetPropertyDetails returns the raw record for id, or nil if the
// assessor reports the property as not found.
func (c *Client) GetPropertyDetails(ctx context.Context, id string) (map[string]json.RawMessage, error) {
	if id == "" {
		return nil, &InvalidInputError{Field: "id", Message: "property id must not be empty"}
	}

	params := url.Values{}
	params.Set("id", id)

	var raw map[string]json.RawMessage
	err := c.get(ctx, "properties/details", params, &raw)
	if err != nil {
		if supervisor.KindOf(err) == supervisor.KindNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get property details %s: %w", id, err)
	}
	return raw, nil
}

// GetRecentSales returns raw sale records from the last daysBack days.
// daysBack must be in (0, 365].
func (c *Client) GetRecentSales(ctx context.Context, daysBack int) ([]map[string]json.RawMessage, error) {
	if daysBack <= 0 || daysBack > 365 {
		return nil, &InvalidInputError{Field: "daysBack", Message: fmt.Sprintf("must be in (0,365], got %d", daysBack)}
	}

	params := url.Values{}
	params.Set("days_back", strconv.Itoa(daysBack))

	var raw struct {
		Records []map[string]json.RawMessage `json:"records"`
	}
	if err := c.get(ctx, "sales/recent", params, &raw); err != nil {
		return nil, fmt.Errorf("get recent sales (%d days): %w", daysBack, err)
	}
	return raw.Records, nil
}

func validZipcode(zip string) bool {
	if len(zip) != 5 {
		return false
	}
	for _, r := range zip {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
