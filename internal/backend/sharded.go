package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// ShardedCapability fronts a region-sharded backend: device snapshot data
// lives in exactly one region, so a miss in the primary region means the
// record may exist in another shard. Regions are queried in declaration
// order and the first region returning rows wins; an empty result from
// every shard is a legitimate empty table, not an error.
type ShardedCapability struct {
	name    string
	regions []*HTTPCapability
}

// NewShardedCapability builds the capability from the region specs.
func NewShardedCapability(name string, regions []RegionSpec, client *http.Client) (*ShardedCapability, error) {
	sc := &ShardedCapability{name: name}
	for _, r := range regions {
		if r.Name == "" || r.URL == "" {
			return nil, fmt.Errorf("region needs name and url")
		}
		sc.regions = append(sc.regions, NewHTTPCapability(name+"-"+r.Name, r.URL, client))
	}
	return sc, nil
}

// Name returns the backend name templates select this capability by.
func (c *ShardedCapability) Name() string { return c.name }

// Execute tries each region in order. A region error is tolerated while
// later regions remain; if every region errors the first error surfaces.
func (c *ShardedCapability) Execute(ctx context.Context, query string) (*models.ResultTable, error) {
	var firstErr error
	var empty *models.ResultTable
	for _, region := range c.regions {
		if err := ctx.Err(); err != nil {
			return nil, &models.BackendError{Backend: c.name, Err: err}
		}
		table, err := region.Execute(ctx, query)
		if err != nil {
			// A cancelled context fails every remaining region too.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			log.Warn().Str("backend", c.name).Str("region", region.Name()).Err(err).
				Msg("Region query failed, trying next shard")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(table.Rows) > 0 {
			table.Meta.Backend = c.name
			return table, nil
		}
		if empty == nil {
			empty = table
		}
	}
	if empty != nil {
		empty.Meta.Backend = c.name
		return empty, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, &models.BackendError{Backend: c.name, Err: fmt.Errorf("no regions configured")}
}
