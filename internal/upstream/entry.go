package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// sourceTimeLayouts are tried in order against updated_at.
var sourceTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// priceEntry is one row of the prices listing.
type priceEntry struct {
	PermitNumber string          `json:"permit_number"`
	Name         string          `json:"name"`
	Address      string          `json:"address"`
	Brand        string          `json:"brand"`
	Product      string          `json:"product"`
	SubProduct   string          `json:"sub_product"`
	Price        json.RawMessage `json:"price"`
	RegionID     string          `json:"region_id"`
	SubRegionID  string          `json:"subregion_id"`
	UpdatedAt    string          `json:"updated_at"`
}

func (e priceEntry) descriptor() string {
	return strings.TrimSpace(strings.TrimSpace(e.Product) + " " + strings.TrimSpace(e.SubProduct))
}

// toObservation maps the entry; FuelType is left for the caller to fill.
func (e priceEntry) toObservation(region crawler.Region, subRegion crawler.SubRegion) (crawler.PriceObservation, error) {
	permit := strings.TrimSpace(e.PermitNumber)
	if permit == "" {
		return crawler.PriceObservation{}, fmt.Errorf("%w: missing permit number", crawler.ErrMalformedRecord)
	}
	desc := e.descriptor()
	if desc == "" {
		return crawler.PriceObservation{}, fmt.Errorf("%w: empty product descriptor", crawler.ErrMalformedRecord)
	}
	price, err := parsePrice(e.Price)
	if err != nil {
		return crawler.PriceObservation{}, fmt.Errorf("%w: %v", crawler.ErrMalformedRecord, err)
	}

	regionID := strings.TrimSpace(e.RegionID)
	if regionID == "" {
		regionID = region.ID
	}
	subRegionID := strings.TrimSpace(e.SubRegionID)
	if subRegionID == "" {
		subRegionID = subRegion.ID
	}

	return crawler.PriceObservation{
		Station: crawler.Station{
			PermitNumber: permit,
			Name:         strings.TrimSpace(e.Name),
			Address:      strings.TrimSpace(e.Address),
			RegionID:     regionID,
			SubRegionID:  subRegionID,
			Brand:        strings.TrimSpace(e.Brand),
			Active:       true,
		},
		RawDescriptor: desc,
		Price:         price,
		SourceTime:    parseSourceTime(e.UpdatedAt),
	}, nil
}

// parsePrice accepts a JSON number or a quoted decimal string.
func parsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, fmt.Errorf("missing price")
	}
	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, fmt.Errorf("price %s: %w", text, err)
		}
		text = strings.TrimSpace(s)
	}
	price, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("price %q: %w", text, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("price %s is not positive", price)
	}
	return price, nil
}

// parseSourceTime returns the zero time when value is empty or unparsable.
func parseSourceTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range sourceTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
