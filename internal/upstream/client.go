// Package upstream talks to the price-reporting authority's public JSON API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/fueltype"
	"github.com/JakeFAU/fuel-price-crawler/internal/resilience"
)

// Operation names used for logs, metrics and error messages.
const (
	OpListRegions    = "list_regions"
	OpListSubRegions = "list_subregions"
	OpFetchPrices    = "fetch_prices"
)

// Config describes the upstream endpoints.
type Config struct {
	BaseURL        string
	RegionsPath    string
	SubRegionsPath string
	PricesPath     string
	UserAgent      string
}

// Waiter paces outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client implements crawler.CatalogClient and crawler.PriceFetcher. Every
// call runs through the resilience executor.
type Client struct {
	cfg        Config
	http       *resty.Client
	exec       *resilience.Executor
	limiter    Waiter
	normalizer *fueltype.Normalizer
	logger     *zap.Logger
}

var (
	_ crawler.CatalogClient = (*Client)(nil)
	_ crawler.PriceFetcher  = (*Client)(nil)
)

// New builds a Client. limiter may be nil.
func New(cfg Config, exec *resilience.Executor, limiter Waiter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultPolicy(), logger)
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		httpClient.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{
		cfg:        cfg,
		http:       httpClient,
		exec:       exec,
		limiter:    limiter,
		normalizer: fueltype.New(),
		logger:     logger.Named("upstream"),
	}
}

// envelope keeps entries raw so one badly typed entry cannot fail the batch.
type envelope struct {
	Results []json.RawMessage `json:"results"`
}

// decodeEntry unmarshals one raw result element.
func decodeEntry[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", crawler.ErrMalformedRecord, err)
	}
	return v, nil
}

// ListRegions returns every first-level region.
func (c *Client) ListRegions(ctx context.Context) ([]crawler.Region, error) {
	var out envelope
	if err := c.getJSON(ctx, OpListRegions, c.cfg.RegionsPath, nil, &out); err != nil {
		return nil, err
	}
	regions := make([]crawler.Region, 0, len(out.Results))
	for i, raw := range out.Results {
		r, err := decodeEntry[crawler.Region](raw)
		if err != nil {
			c.logger.Warn("dropping malformed region", zap.Int("index", i), zap.Error(err))
			continue
		}
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			c.logger.Warn("dropping region without id", zap.String("name", r.Name))
			continue
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// ListSubRegions returns the sub-regions of regionID.
func (c *Client) ListSubRegions(ctx context.Context, regionID string) ([]crawler.SubRegion, error) {
	var out envelope
	params := map[string]string{"region_id": regionID}
	if err := c.getJSON(ctx, OpListSubRegions, c.cfg.SubRegionsPath, params, &out); err != nil {
		return nil, err
	}
	subRegions := make([]crawler.SubRegion, 0, len(out.Results))
	for i, raw := range out.Results {
		s, err := decodeEntry[crawler.SubRegion](raw)
		if err != nil {
			c.logger.Warn("dropping malformed sub-region",
				zap.String("region_id", regionID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			c.logger.Warn("dropping sub-region without id",
				zap.String("region_id", regionID),
				zap.String("name", s.Name),
			)
			continue
		}
		if s.RegionID == "" {
			s.RegionID = regionID
		}
		subRegions = append(subRegions, s)
	}
	return subRegions, nil
}

// FetchPrices lists every station price in one sub-region. Malformed entries
// are dropped and counted; the rest of the batch is returned.
func (c *Client) FetchPrices(ctx context.Context, region crawler.Region, subRegion crawler.SubRegion) (crawler.FetchResult, error) {
	var out envelope
	params := map[string]string{
		"region_id":    region.ID,
		"subregion_id": subRegion.ID,
	}
	if err := c.getJSON(ctx, OpFetchPrices, c.cfg.PricesPath, params, &out); err != nil {
		return crawler.FetchResult{}, err
	}

	result := crawler.FetchResult{Observations: make([]crawler.PriceObservation, 0, len(out.Results))}
	for i, raw := range out.Results {
		entry, err := decodeEntry[priceEntry](raw)
		var obs crawler.PriceObservation
		if err == nil {
			obs, err = entry.toObservation(region, subRegion)
		}
		if err != nil {
			result.Malformed++
			c.logger.Warn("dropping malformed price entry",
				zap.String("region_id", region.ID),
				zap.String("subregion_id", subRegion.ID),
				zap.Int("index", i),
				zap.String("permit_number", entry.PermitNumber),
				zap.Error(err),
			)
			continue
		}
		obs.FuelType = c.normalizer.Normalize(obs.RawDescriptor)
		if obs.FuelType == crawler.FuelUnrecognized {
			result.Unmapped++
			c.logger.Debug("unrecognized fuel descriptor",
				zap.String("permit_number", obs.StationID()),
				zap.String("descriptor", obs.RawDescriptor),
			)
		}
		result.Observations = append(result.Observations, obs)
	}
	return result, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, params map[string]string, out any) error {
	err := c.exec.Do(ctx, op, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, c.cfg.BaseURL+path); err != nil {
				return err
			}
		}
		req := c.http.R().SetContext(ctx)
		if len(params) > 0 {
			req.SetQueryParams(params)
		}
		resp, err := req.Get(path)
		if err != nil {
			return fmt.Errorf("%s request: %w", op, err)
		}
		if err := crawler.StatusError(op, resp.StatusCode(), resilience.ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now())); err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(resp.Body()))
		if err := dec.Decode(out); err != nil {
			return &crawler.UpstreamError{
				Kind:       crawler.UpstreamPermanent,
				Op:         op,
				StatusCode: resp.StatusCode(),
				Err:        fmt.Errorf("decode body: %w", err),
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upstream %s: %w", op, err)
	}
	return nil
}
