// Package product holds the immutable product and metric configuration the
// tally engine and billing submitter operate against.
package product

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/fx"
)

var ErrUnknownProduct = errors.New("unknown_product")

// Granularity is a usage aggregation window size. Values are ordered from
// finest to coarsest so they can be compared directly.
type Granularity int

const (
	Hourly Granularity = iota
	Daily
	Weekly
	Monthly
	Quarterly
	Yearly
)

func (g Granularity) String() string {
	switch g {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Quarterly:
		return "quarterly"
	case Yearly:
		return "yearly"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// FinerThan reports whether g is a smaller window than other.
func (g Granularity) FinerThan(other Granularity) bool { return g < other }

func ParseGranularity(raw string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "hourly":
		return Hourly, nil
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	case "quarterly":
		return Quarterly, nil
	case "yearly":
		return Yearly, nil
	default:
		return 0, fmt.Errorf("unknown granularity %q", raw)
	}
}

// Well-known metric identifiers.
const (
	MetricCores         = "Cores"
	MetricSockets       = "Sockets"
	MetricInstanceHours = "Instance-hours"
	MetricVCPUs         = "vCPUs"
)

// Metric maps a measured quantity to marketplace billing dimensions. The
// billing factor scales raw usage before submission (e.g. 0.25 when four
// measured units bill as one dimension unit).
type Metric struct {
	ID             string
	AWSDimension   string
	AzureDimension string
	BillingFactor  float64
}

// Definition is the static configuration of one billable product.
type Definition struct {
	ID                string
	ServiceType       string
	Metrics           []Metric
	FinestGranularity Granularity

	// UseCPUSystemFacts opts the product into deriving threads-per-core from
	// system-profile CPU facts instead of the fixed default.
	UseCPUSystemFacts bool
}

// Registry is an immutable lookup over product definitions plus the fact-to-tag
// tables used during normalization. Built once at startup and shared.
type Registry struct {
	products  map[string]Definition
	engIDTags map[string][]string
	roleTags  map[string]string
}

func NewRegistry(defs []Definition, engIDTags map[string][]string, roleTags map[string]string) *Registry {
	products := make(map[string]Definition, len(defs))
	for _, d := range defs {
		products[d.ID] = d
	}
	return &Registry{
		products:  products,
		engIDTags: engIDTags,
		roleTags:  roleTags,
	}
}

func (r *Registry) Product(id string) (Definition, bool) {
	d, ok := r.products[id]
	return d, ok
}

// Metric resolves a metric within a product.
func (r *Registry) Metric(productID, metricID string) (Metric, bool) {
	d, ok := r.products[productID]
	if !ok {
		return Metric{}, false
	}
	for _, m := range d.Metrics {
		if m.ID == metricID {
			return m, true
		}
	}
	return Metric{}, false
}

// FinestGranularity returns the smallest window the product supports.
func (r *Registry) FinestGranularity(productID string) (Granularity, error) {
	d, ok := r.products[productID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	return d.FinestGranularity, nil
}

// UsesCPUSystemFacts reports whether any of the given product tags opts into
// CPU-fact based threads-per-core estimation.
func (r *Registry) UsesCPUSystemFacts(tags []string) bool {
	for _, tag := range tags {
		if d, ok := r.products[tag]; ok && d.UseCPUSystemFacts {
			return true
		}
	}
	return false
}

// TagsForEngProduct maps an engineering product id from rhsm facts to the
// product tags it certifies.
func (r *Registry) TagsForEngProduct(engID string) []string {
	return r.engIDTags[engID]
}

// TagForRole maps a satellite role to a product tag.
func (r *Registry) TagForRole(role string) (string, bool) {
	tag, ok := r.roleTags[strings.ToLower(strings.TrimSpace(role))]
	return tag, ok
}

// IsRHELTag reports whether the tag names a RHEL product variant.
func IsRHELTag(tag string) bool { return strings.HasPrefix(tag, "rhel") }

// HasRHELTag reports whether any tag names a RHEL product variant.
func HasRHELTag(tags []string) bool {
	for _, t := range tags {
		if IsRHELTag(t) {
			return true
		}
	}
	return false
}

// Default returns the built-in product table.
func Default() *Registry {
	defs := []Definition{
		{
			ID:          "rhel-for-x86-els-payg",
			ServiceType: "HBI_HOST",
			Metrics: []Metric{
				{ID: MetricVCPUs, AWSDimension: "vCPU_hours", AzureDimension: "vcpu_hours", BillingFactor: 0.25},
			},
			FinestGranularity: Hourly,
			UseCPUSystemFacts: true,
		},
		{
			ID:          "rhel-for-x86",
			ServiceType: "HBI_HOST",
			Metrics: []Metric{
				{ID: MetricSockets, BillingFactor: 1},
				{ID: MetricCores, BillingFactor: 1},
			},
			FinestGranularity: Daily,
		},
		{
			ID:          "rosa",
			ServiceType: "OPENSHIFT_CLUSTER",
			Metrics: []Metric{
				{ID: MetricCores, AWSDimension: "four_vcpu_hour", BillingFactor: 0.25},
				{ID: MetricInstanceHours, AWSDimension: "cluster_hour", BillingFactor: 1},
			},
			FinestGranularity: Hourly,
		},
		{
			ID:          "openshift-dedicated-metrics",
			ServiceType: "OPENSHIFT_CLUSTER",
			Metrics: []Metric{
				{ID: MetricCores, AWSDimension: "four_vcpu_hour", AzureDimension: "four_vcpu_hour", BillingFactor: 0.25},
				{ID: MetricInstanceHours, AWSDimension: "cluster_hour", AzureDimension: "cluster_hour", BillingFactor: 1},
			},
			FinestGranularity: Hourly,
		},
	}
	engIDTags := map[string][]string{
		"69":  {"rhel-for-x86"},
		"204": {"rhel-for-x86-els-payg"},
		"479": {"rhel-for-x86"},
	}
	roleTags := map[string]string{
		"red hat enterprise linux server":      "rhel-for-x86",
		"red hat enterprise linux workstation": "rhel-for-x86",
		"red hat enterprise linux compute node": "rhel-for-x86",
		"ocp": "openshift-dedicated-metrics",
	}
	return NewRegistry(defs, engIDTags, roleTags)
}

var Module = fx.Module("product",
	fx.Provide(Default),
)
