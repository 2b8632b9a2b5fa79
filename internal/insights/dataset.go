package insights

import (
	"context"
	"fmt"
	"sort"

	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/models"
)

// Dataset gives rules memoized access to the aggregates of one run. It is
// not safe for concurrent use; rules run one after another.
type Dataset struct {
	Window Window

	source datastore.AggregateSource
	keys   []models.MetricKey
	cache  map[models.MetricKey]models.TimeSeries
}

func newDataset(ctx context.Context, source datastore.AggregateSource, w Window) (*Dataset, error) {
	keys, err := source.AggregateKeys(ctx, w.dataFrom(), w.To)
	if err != nil {
		return nil, err
	}
	return &Dataset{
		Window: w,
		source: source,
		keys:   keys,
		cache:  make(map[models.MetricKey]models.TimeSeries),
	}, nil
}

// Keys lists every (category, name, type) seen in the window.
func (d *Dataset) Keys() []models.MetricKey {
	return d.keys
}

// Features lists the distinct (category, name) pairs, sorted.
func (d *Dataset) Features() []models.MetricKey {
	seen := make(map[models.MetricKey]struct{})
	var out []models.MetricKey
	for _, k := range d.keys {
		f := models.MetricKey{Category: k.Category, Name: k.Name}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Categories lists the distinct categories, sorted.
func (d *Dataset) Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range d.keys {
		if _, ok := seen[k.Category]; ok {
			continue
		}
		seen[k.Category] = struct{}{}
		out = append(out, k.Category)
	}
	sort.Strings(out)
	return out
}

// Series returns the daily series for key over the whole window.
func (d *Dataset) Series(ctx context.Context, key models.MetricKey) (models.TimeSeries, error) {
	if ts, ok := d.cache[key]; ok {
		return ts, nil
	}
	ts, err := d.source.QueryAggregates(ctx, key, d.Window.dataFrom(), d.Window.To)
	if err != nil {
		return models.TimeSeries{}, fmt.Errorf("query %s: %w", key, err)
	}
	d.cache[key] = ts
	return ts, nil
}

// Current totals events of key in the current period.
func (d *Dataset) Current(ctx context.Context, key models.MetricKey) (int64, error) {
	ts, err := d.Series(ctx, key)
	if err != nil {
		return 0, err
	}
	return ts.SumEvents(d.Window.CurrentFrom, d.Window.To), nil
}
