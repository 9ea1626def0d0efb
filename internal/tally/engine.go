// Package tally buckets canonical usage events into aligned time windows and
// produces the billable usage aggregates submitted to marketplaces.
package tally

import (
	"errors"
	"fmt"
	"time"

	"github.com/meterwatch/meterwatch/internal/billing"
	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/event"
	"github.com/meterwatch/meterwatch/internal/product"
)

// ErrGranularityTooFine is returned when usage is requested at a granularity
// finer than a product supports. Never silently coarsened.
var ErrGranularityTooFine = errors.New("granularity_too_fine")

// WindowStart aligns t to the start of the window containing it.
func WindowStart(g product.Granularity, t time.Time, firstDayOfWeek time.Weekday) time.Time {
	switch g {
	case product.Hourly:
		return clock.StartOfHour(t)
	case product.Daily:
		return clock.StartOfDay(t)
	case product.Weekly:
		return clock.StartOfWeek(t, firstDayOfWeek)
	case product.Monthly:
		return clock.StartOfMonth(t)
	case product.Quarterly:
		return clock.StartOfQuarter(t)
	case product.Yearly:
		return clock.StartOfYear(t)
	default:
		return clock.StartOfHour(t)
	}
}

// WindowedKey is an aggregate key bound to one window.
type WindowedKey struct {
	Key         billing.AggregateKey
	WindowStart time.Time
}

// Engine accumulates events into per-key window totals. Accumulation is
// additive and associative: coarser-window totals equal the sum of the
// contained finer windows.
type Engine struct {
	registry       *product.Registry
	firstDayOfWeek time.Weekday
}

func NewEngine(registry *product.Registry, firstDayOfWeek time.Weekday) *Engine {
	return &Engine{registry: registry, firstDayOfWeek: firstDayOfWeek}
}

// Accumulate buckets the events' measurements at the requested granularity.
// Product tags not present in the registry are not billable and are skipped;
// a registered product whose finest supported granularity is coarser than
// the request fails validation.
func (e *Engine) Accumulate(events []event.Event, g product.Granularity) (map[WindowedKey]float64, error) {
	totals := make(map[WindowedKey]float64)
	for _, ev := range events {
		for _, tag := range ev.ProductTags {
			finest, err := e.registry.FinestGranularity(tag)
			if err != nil {
				continue
			}
			if g.FinerThan(finest) {
				return nil, fmt.Errorf("%w: product %s supports %s at finest, requested %s",
					ErrGranularityTooFine, tag, finest, g)
			}
			for _, m := range ev.Measurements {
				if _, ok := e.registry.Metric(tag, m.MetricID); !ok {
					continue
				}
				key := WindowedKey{
					Key: billing.AggregateKey{
						OrgID:            ev.OrgID,
						ProductTag:       tag,
						MetricID:         m.MetricID,
						BillingProvider:  ev.BillingProvider,
						BillingAccountID: ev.BillingAccountID,
						Sla:              ev.Sla,
						Usage:            ev.Usage,
					},
					WindowStart: WindowStart(g, ev.Timestamp, e.firstDayOfWeek),
				}
				totals[key] += m.Value
			}
		}
	}
	return totals, nil
}

// HourlyEligible filters tags down to products that support hourly
// granularity, the unit used for marketplace submission.
func (e *Engine) HourlyEligible(tags []string) []string {
	var eligible []string
	for _, tag := range tags {
		finest, err := e.registry.FinestGranularity(tag)
		if err != nil {
			continue
		}
		if finest == product.Hourly {
			eligible = append(eligible, tag)
		}
	}
	return eligible
}
