package facts

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/product"
)

const threadsPerCoreDefault = 2.0

// System-purpose unit values that constrain the billable dimension.
const (
	UnitsSockets = "Sockets"
	UnitsCores   = "Cores/vCPU"
)

// MeasurementNormalizer derives cores and sockets from the system profile,
// the host's classification flags, and system-purpose overrides.
type MeasurementNormalizer struct {
	registry          *product.Registry
	useCPUFactsForAll bool
	log               *zap.Logger
}

func NewMeasurementNormalizer(registry *product.Registry, useCPUFactsForAll bool, log *zap.Logger) *MeasurementNormalizer {
	return &MeasurementNormalizer{
		registry:          registry,
		useCPUFactsForAll: useCPUFactsForAll,
		log:               log.Named("facts.measurements"),
	}
}

// Measurements derives the host's capacity values. Identical inputs always
// produce identical outputs.
func (m *MeasurementNormalizer) Measurements(
	facts NormalizedFacts,
	sp SystemProfile,
	rhsm *RhsmFacts,
) NormalizedMeasurements {
	measurements := NormalizedMeasurements{
		Cores:   m.normalizeCores(sp, facts.ProductTags),
		Sockets: m.normalizeSockets(facts, sp),
	}
	// Marketplace-billed hosts meter on usage, not capacity; the forced
	// zeroes are final and unit overrides do not apply.
	if sp.IsMarketplace {
		return measurements
	}
	m.normalizeUnits(facts, sp, rhsm, &measurements)
	return measurements
}

func (m *MeasurementNormalizer) normalizeCores(sp SystemProfile, tags []string) *int {
	var cores *int
	if sp.Sockets > 0 && sp.CoresPerSocket > 0 {
		cores = intPtr(sp.Sockets * sp.CoresPerSocket)
	}
	if sp.Arch == "x86_64" && strings.EqualFold(sp.InfrastructureType, "virtual") {
		cores = intPtr(m.virtualCPU(sp, tags))
	}
	if sp.IsMarketplace {
		cores = intPtr(0)
	}
	return fallbackWhenNil(cores, sp.CoresPerSocket)
}

func (m *MeasurementNormalizer) normalizeSockets(facts NormalizedFacts, sp SystemProfile) *int {
	var sockets *int
	if sp.Sockets > 0 {
		sockets = intPtr(sp.Sockets)
	}
	sockets = m.adjustSocketCount(sockets, facts, sp)
	if sp.IsMarketplace {
		sockets = intPtr(0)
	}
	return fallbackWhenNil(sockets, sp.Sockets)
}

// adjustSocketCount applies the classification-dependent socket rules:
// odd counts round up on physical hosts and hypervisors; cloud-provider
// hosts account for a single socket; so do unmapped RHEL guests.
func (m *MeasurementNormalizer) adjustSocketCount(sockets *int, facts NormalizedFacts, sp SystemProfile) *int {
	if facts.IsHypervisor || !facts.IsVirtual {
		if sockets != nil && *sockets%2 == 1 {
			return intPtr(*sockets + 1)
		}
		return sockets
	}
	if facts.CloudProvider != "" {
		if sp.IsMarketplace {
			return intPtr(0)
		}
		return intPtr(1)
	}
	if facts.IsUnmappedGuest && product.HasRHELTag(facts.ProductTags) {
		return intPtr(1)
	}
	return sockets
}

// virtualCPU estimates vCPUs for virtual x86 guests: logical CPUs divided by
// threads per core, rounded up. Threads per core is fixed at 2.0 unless the
// product opted into system-profile CPU facts.
func (m *MeasurementNormalizer) virtualCPU(sp SystemProfile, tags []string) int {
	cpu := sp.CoresPerSocket * sp.Sockets

	threadsPerCore := threadsPerCoreDefault
	if m.useCPUFactsForAll || m.registry.UsesCPUSystemFacts(tags) {
		switch {
		case sp.ThreadsPerCore > 0:
			threadsPerCore = sp.ThreadsPerCore
		case sp.CPUs > 0 && sp.Sockets > 0 && sp.CoresPerSocket > 0:
			threadsPerCore = float64(sp.CPUs) / float64(sp.Sockets*sp.CoresPerSocket)
		}
		if threadsPerCore != threadsPerCoreDefault {
			m.log.Warn("using system profile threads per core to calculate vCPUs",
				zap.Float64("threads_per_core", threadsPerCore),
				zap.Strings("product_tags", tags),
			)
		}
	}
	return int(math.Ceil(float64(cpu) / threadsPerCore))
}

// normalizeUnits applies system-purpose unit overrides last: the declared
// unit clears the other dimension and fills its own from the system profile
// only when absent.
func (m *MeasurementNormalizer) normalizeUnits(
	facts NormalizedFacts,
	sp SystemProfile,
	rhsm *RhsmFacts,
	measurements *NormalizedMeasurements,
) {
	if rhsm == nil || rhsm.SystemPurposeUnits == "" {
		return
	}
	switch rhsm.SystemPurposeUnits {
	case UnitsSockets:
		measurements.Cores = nil
		if measurements.Sockets == nil {
			measurements.Sockets = fallbackWhenNil(nil, sp.Sockets)
		}
	case UnitsCores:
		measurements.Sockets = nil
		if measurements.Cores == nil {
			measurements.Cores = fallbackWhenNil(nil, sp.CoresPerSocket)
		}
	default:
		m.log.Warn("unsupported syspurpose units",
			zap.String("subscription_manager_id", facts.SubscriptionManagerID),
			zap.String("units", rhsm.SystemPurposeUnits),
		)
	}
}

func intPtr(v int) *int { return &v }

// fallbackWhenNil replaces a missing value with the replacement only when
// the replacement is a real (non-zero) value.
func fallbackWhenNil(current *int, replacement int) *int {
	if current == nil && replacement != 0 {
		return intPtr(replacement)
	}
	return current
}
