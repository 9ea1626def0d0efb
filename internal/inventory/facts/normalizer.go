package facts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/product"
)

// Hardware types reported on canonical events.
const (
	HardwareTypePhysical = "PHYSICAL"
	HardwareTypeVirtual  = "VIRTUAL"
	HardwareTypeCloud    = "CLOUD"
)

// BillingModelMarketplace marks hosts billed directly through a marketplace;
// such host events are skipped entirely by the dispatch layer.
const BillingModelMarketplace = "marketplace"

// BillingProviderDirect is the billing provider for hosts not tied to a
// cloud marketplace.
const BillingProviderDirect = "red hat"

// RelationshipLookup answers virtualization-graph questions during
// normalization. Backed by the relationship store.
type RelationshipLookup interface {
	// IsHypervisor reports whether any guest references the given
	// subscription-manager id as its hypervisor.
	IsHypervisor(ctx context.Context, orgID, subscriptionManagerID string) (bool, error)
	// HypervisorKnown reports whether a host with the given hypervisor uuid
	// as its subscription-manager id is present in the store.
	HypervisorKnown(ctx context.Context, orgID, hypervisorUUID string) (bool, error)
}

// NormalizedMeasurements are the derived capacity values for a host. Either
// value may be absent; zero is a real value only where marketplace forcing
// sets it.
type NormalizedMeasurements struct {
	Cores   *int
	Sockets *int
}

// NormalizedFacts is the canonical view of one host, derived from its raw
// namespaced facts plus relationship lookups.
type NormalizedFacts struct {
	OrgID                 string
	InventoryID           string
	InstanceID            string
	SubscriptionManagerID string
	InsightsID            string
	DisplayName           string

	Sla   string
	Usage string

	BillingProvider  string
	BillingAccountID string

	CloudProvider  string
	HardwareType   string
	HypervisorUUID string

	IsVirtual          bool
	IsHypervisor       bool
	IsUnmappedGuest    bool
	ThirdPartyMigrated bool

	ProductTags []string
	ProductIDs  []string

	LastSeen     time.Time
	Measurements NormalizedMeasurements
}

// IsGuest reports whether the host references a hypervisor.
func (f NormalizedFacts) IsGuest() bool { return f.HypervisorUUID != "" }

// Normalizer derives NormalizedFacts from raw host records. Pure over the
// host's facts plus relationship lookups.
type Normalizer struct {
	registry     *product.Registry
	lookup       RelationshipLookup
	clock        clock.Clock
	measurements *MeasurementNormalizer

	syncThreshold time.Duration
	log           *zap.Logger
}

func NewNormalizer(
	cfg config.Config,
	registry *product.Registry,
	lookup RelationshipLookup,
	clk clock.Clock,
	log *zap.Logger,
) *Normalizer {
	return &Normalizer{
		registry:      registry,
		lookup:        lookup,
		clock:         clk,
		measurements:  NewMeasurementNormalizer(registry, cfg.UseCPUSystemFactsForAllProducts, log),
		syncThreshold: cfg.HostLastSyncThreshold,
		log:           log.Named("facts.normalizer"),
	}
}

// Normalize derives the canonical facts for one host.
func (n *Normalizer) Normalize(ctx context.Context, host RawHost) (NormalizedFacts, error) {
	rhsm := host.RhsmFacts()
	satellite := host.SatelliteFacts()
	qpc := host.QpcFacts()
	sp := host.SystemProfile

	skipRhsm := n.skipRhsmFacts(rhsm)
	if skipRhsm {
		n.log.Info("skipping stale rhsm facts during normalization",
			zap.String("org_id", host.OrgID),
			zap.String("inventory_id", host.ID),
		)
	}

	cloudProvider := normalizeCloudProvider(sp.CloudProvider)
	isVirtual := determineVirtual(sp, rhsm, satellite)
	hypervisorUUID := determineHypervisorUUID(sp, satellite)

	isHypervisor := false
	if host.SubscriptionManagerID != "" {
		var err error
		isHypervisor, err = n.lookup.IsHypervisor(ctx, host.OrgID, host.SubscriptionManagerID)
		if err != nil {
			return NormalizedFacts{}, fmt.Errorf("hypervisor lookup: %w", err)
		}
	}

	isUnmappedGuest := false
	if isVirtual {
		if hypervisorUUID == "" {
			isUnmappedGuest = true
		} else {
			known, err := n.lookup.HypervisorKnown(ctx, host.OrgID, hypervisorUUID)
			if err != nil {
				return NormalizedFacts{}, fmt.Errorf("hypervisor resolution: %w", err)
			}
			isUnmappedGuest = !known
		}
	}

	tags, productIDs := n.productTags(sp, rhsm, satellite, qpc, skipRhsm)

	normalized := NormalizedFacts{
		OrgID:                 host.OrgID,
		InventoryID:           host.ID,
		InstanceID:            determineInstanceID(host),
		SubscriptionManagerID: host.SubscriptionManagerID,
		InsightsID:            host.InsightsID,
		DisplayName:           host.DisplayName,
		Sla:                   n.determineSla(rhsm, satellite, skipRhsm),
		Usage:                 n.determineUsage(rhsm, satellite, skipRhsm),
		BillingProvider:       determineBillingProvider(cloudProvider),
		BillingAccountID:      determineBillingAccountID(rhsm, skipRhsm),
		CloudProvider:         cloudProvider,
		HardwareType:          determineHardwareType(cloudProvider, isVirtual),
		HypervisorUUID:        hypervisorUUID,
		IsVirtual:             isVirtual,
		IsHypervisor:          isHypervisor,
		IsUnmappedGuest:       isUnmappedGuest,
		ThirdPartyMigrated:    sp.Conversions.Activity,
		ProductTags:           tags,
		ProductIDs:            productIDs,
		LastSeen:              host.Updated,
	}

	// Measurements depend on the classification flags, so they come last.
	normalized.Measurements = n.measurements.Measurements(normalized, sp, rhsm)
	return normalized, nil
}

// skipRhsmFacts reports whether the host's subscription-manager sync is old
// enough (relative to the start of today, UTC) that its rhsm facts should be
// ignored.
func (n *Normalizer) skipRhsmFacts(rhsm *RhsmFacts) bool {
	if rhsm == nil || rhsm.SyncTimestamp == "" {
		return false
	}
	lastSync, err := time.Parse(time.RFC3339, rhsm.SyncTimestamp)
	if err != nil {
		return false
	}
	cutoff := clock.StartOfDay(n.clock.Now()).Add(-n.syncThreshold)
	return lastSync.Before(cutoff)
}

func determineInstanceID(host RawHost) string {
	if host.ProviderID != "" {
		return host.ProviderID
	}
	return host.ID
}

func determineVirtual(sp SystemProfile, rhsm *RhsmFacts, satellite *SatelliteFacts) bool {
	if rhsm != nil && rhsm.IsVirtual {
		return true
	}
	if satellite != nil && satellite.HypervisorUUID != "" {
		return true
	}
	return strings.EqualFold(sp.InfrastructureType, "virtual")
}

// determineHypervisorUUID prefers the satellite-reported hypervisor over the
// system profile's.
func determineHypervisorUUID(sp SystemProfile, satellite *SatelliteFacts) string {
	if satellite != nil && satellite.HypervisorUUID != "" {
		return satellite.HypervisorUUID
	}
	return sp.HypervisorUUID
}

func normalizeCloudProvider(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "aws":
		return "aws"
	case "azure":
		return "azure"
	case "gcp", "google":
		return "gcp"
	case "alibaba":
		return "alibaba"
	default:
		return ""
	}
}

// determineBillingProvider maps the host's cloud provider to the marketplace
// it is billed through; everything else bills directly.
func determineBillingProvider(cloudProvider string) string {
	if cloudProvider != "" {
		return cloudProvider
	}
	return BillingProviderDirect
}

func determineBillingAccountID(rhsm *RhsmFacts, skipRhsm bool) string {
	if skipRhsm || rhsm == nil {
		return ""
	}
	return rhsm.BillingAccountID
}

func determineHardwareType(cloudProvider string, isVirtual bool) string {
	if cloudProvider != "" {
		return HardwareTypeCloud
	}
	if isVirtual {
		return HardwareTypeVirtual
	}
	return HardwareTypePhysical
}

// determineSla prefers rhsm over satellite unless rhsm facts are skipped.
func (n *Normalizer) determineSla(rhsm *RhsmFacts, satellite *SatelliteFacts, skipRhsm bool) string {
	if !skipRhsm && rhsm != nil && rhsm.Sla != "" {
		return rhsm.Sla
	}
	if satellite != nil {
		return satellite.Sla
	}
	return ""
}

func (n *Normalizer) determineUsage(rhsm *RhsmFacts, satellite *SatelliteFacts, skipRhsm bool) string {
	if !skipRhsm && rhsm != nil && rhsm.Usage != "" {
		return rhsm.Usage
	}
	if satellite != nil {
		return satellite.Usage
	}
	return ""
}

// productTags resolves product tags from the system profile's installed
// products, rhsm product ids (unless skipped), the satellite role, and qpc
// RHEL detection on x86.
func (n *Normalizer) productTags(
	sp SystemProfile,
	rhsm *RhsmFacts,
	satellite *SatelliteFacts,
	qpc *QpcFacts,
	skipRhsm bool,
) (tags, productIDs []string) {
	tagSet := map[string]struct{}{}
	idSet := map[string]struct{}{}

	addEngID := func(id string) {
		idSet[id] = struct{}{}
		for _, tag := range n.registry.TagsForEngProduct(id) {
			tagSet[tag] = struct{}{}
		}
	}

	for _, p := range sp.InstalledProducts {
		addEngID(p.ID)
	}
	if !skipRhsm && rhsm != nil {
		for _, id := range rhsm.ProductIDs {
			addEngID(id)
		}
	}
	if satellite != nil && satellite.Role != "" {
		if tag, ok := n.registry.TagForRole(satellite.Role); ok {
			tagSet[tag] = struct{}{}
		}
	}
	if qpc != nil && qpc.IsRHEL && sp.Arch == "x86_64" {
		tagSet["rhel-for-x86"] = struct{}{}
	}

	tags = make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	productIDs = make([]string, 0, len(idSet))
	for id := range idSet {
		productIDs = append(productIDs, id)
	}
	sort.Strings(tags)
	sort.Strings(productIDs)
	return tags, productIDs
}
