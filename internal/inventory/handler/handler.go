// Package handler routes inventory host events to the relationship store and
// emits canonical usage events, including the cascade refreshes that keep
// hypervisor and guest measurements consistent.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/event"
	"github.com/meterwatch/meterwatch/internal/inventory/facts"
	"github.com/meterwatch/meterwatch/internal/inventory/relationship"
	"github.com/meterwatch/meterwatch/internal/product"
)

// Skip reasons reported by SkipReason and counted by the consumer.
const (
	SkipMarketplaceBillingModel = "marketplace_billing_model"
	SkipEdgeHost                = "edge_host"
	SkipCulledHost              = "culled_host"
)

const hostTypeEdge = "edge"

// Service applies host events against the relationship store and builds the
// resulting canonical events. Callers are serialized per (org, inventory) by
// the task-queue partition key.
type Service struct {
	normalizer *facts.Normalizer
	store      relationship.Store
	clock      clock.Clock

	cullingOffset time.Duration
	log           *zap.Logger
}

func NewService(
	cfg config.Config,
	normalizer *facts.Normalizer,
	store relationship.Store,
	clk clock.Clock,
	log *zap.Logger,
) *Service {
	return &Service{
		normalizer:    normalizer,
		store:         store,
		clock:         clk,
		cullingOffset: cfg.CullingOffset,
		log:           log.Named("inventory.handler"),
	}
}

// SkipReason reports whether a create/update event for the host must be
// dropped without touching the relationship store: marketplace-billed hosts,
// edge hosts, and hosts already past their cull deadline.
func (s *Service) SkipReason(host facts.RawHost) (string, bool) {
	if rhsm := host.RhsmFacts(); rhsm != nil && rhsm.BillingModel == facts.BillingModelMarketplace {
		return SkipMarketplaceBillingModel, true
	}
	if host.SystemProfile.HostType == hostTypeEdge {
		return SkipEdgeHost, true
	}
	if !host.StaleTimestamp.IsZero() &&
		!s.clock.Now().Before(host.StaleTimestamp.Add(s.cullingOffset)) {
		return SkipCulledHost, true
	}
	return "", false
}

// HandleCreateUpdate updates the host's relationship and returns the
// canonical events to emit: one for the host itself plus cascade refreshes
// for its direct dependents.
func (s *Service) HandleCreateUpdate(
	ctx context.Context,
	eventType string,
	host facts.RawHost,
	timestamp time.Time,
) ([]event.Event, error) {
	normalized, err := s.normalizer.Normalize(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("normalize host: %w", err)
	}

	snapshot, err := json.Marshal(host)
	if err != nil {
		return nil, fmt.Errorf("snapshot host: %w", err)
	}
	err = s.store.Upsert(
		ctx,
		normalized.OrgID,
		normalized.InventoryID,
		normalized.SubscriptionManagerID,
		normalized.HypervisorUUID,
		normalized.IsUnmappedGuest,
		snapshot,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert relationship: %w", err)
	}

	events := []event.Event{s.buildEvent(eventType, normalized, timestamp)}

	// Fan out to direct dependents only.
	switch {
	case normalized.IsHypervisor:
		refreshed, err := s.refreshUnmappedGuests(ctx, normalized.OrgID, normalized.SubscriptionManagerID, timestamp)
		if err != nil {
			return nil, err
		}
		events = append(events, refreshed...)
	case normalized.IsGuest() && !normalized.IsUnmappedGuest:
		refreshed, err := s.refreshHypervisor(ctx, normalized.OrgID, normalized.HypervisorUUID, timestamp)
		if err != nil {
			return nil, err
		}
		if refreshed != nil {
			events = append(events, *refreshed)
		}
	}
	return events, nil
}

// HandleDelete removes the host's relationship and returns the delete event
// plus refreshes of the hosts that depended on it. Unknown hosts yield no
// events.
func (s *Service) HandleDelete(ctx context.Context, orgID, inventoryID string, timestamp time.Time) ([]event.Event, error) {
	deleted, err := s.store.Delete(ctx, orgID, inventoryID)
	if errors.Is(err, relationship.ErrNotFound) {
		s.log.Debug("delete for unknown host ignored",
			zap.String("org_id", orgID),
			zap.String("inventory_id", inventoryID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete relationship: %w", err)
	}

	var host facts.RawHost
	if err := json.Unmarshal(deleted.LatestHostData, &host); err != nil {
		return nil, fmt.Errorf("decode stored host snapshot: %w", err)
	}
	normalized, err := s.normalizer.Normalize(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("normalize deleted host: %w", err)
	}

	events := []event.Event{s.buildEvent(event.TypeInstanceDeleted, normalized, timestamp)}

	if deleted.HypervisorUUID == "" && deleted.SubscriptionManagerID != "" {
		// Deleted host may have been a hypervisor: its formerly-mapped
		// guests degrade to unmapped on renormalization.
		guests, err := s.store.MappedGuests(ctx, orgID, deleted.SubscriptionManagerID)
		if err != nil {
			return nil, fmt.Errorf("list mapped guests: %w", err)
		}
		for _, guest := range guests {
			refreshed, err := s.refreshFromSnapshot(ctx, guest, timestamp)
			if err != nil {
				return nil, err
			}
			events = append(events, refreshed)
		}
	} else if deleted.HypervisorUUID != "" {
		refreshed, err := s.refreshHypervisor(ctx, orgID, deleted.HypervisorUUID, timestamp)
		if err != nil {
			return nil, err
		}
		if refreshed != nil {
			events = append(events, *refreshed)
		}
	}
	return events, nil
}

// refreshUnmappedGuests renormalizes every unmapped guest under the
// hypervisor's subscription-manager id, producing one event per guest.
func (s *Service) refreshUnmappedGuests(ctx context.Context, orgID, hypervisorSubMgrID string, timestamp time.Time) ([]event.Event, error) {
	if hypervisorSubMgrID == "" {
		return nil, nil
	}
	guests, err := s.store.UnmappedGuests(ctx, orgID, hypervisorSubMgrID)
	if err != nil {
		return nil, fmt.Errorf("list unmapped guests: %w", err)
	}
	events := make([]event.Event, 0, len(guests))
	for _, guest := range guests {
		refreshed, err := s.refreshFromSnapshot(ctx, guest, timestamp)
		if err != nil {
			return nil, err
		}
		events = append(events, refreshed)
	}
	return events, nil
}

// refreshHypervisor renormalizes the hypervisor referenced by a guest, if it
// is known.
func (s *Service) refreshHypervisor(ctx context.Context, orgID, hypervisorUUID string, timestamp time.Time) (*event.Event, error) {
	hypervisor, err := s.store.FindHypervisor(ctx, orgID, hypervisorUUID)
	if errors.Is(err, relationship.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find hypervisor: %w", err)
	}
	refreshed, err := s.refreshFromSnapshot(ctx, *hypervisor, timestamp)
	if err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// refreshFromSnapshot reloads a host from its stored snapshot, renormalizes
// it, writes the relationship back, and builds an update event.
func (s *Service) refreshFromSnapshot(ctx context.Context, rel relationship.HostRelationship, timestamp time.Time) (event.Event, error) {
	var host facts.RawHost
	if err := json.Unmarshal(rel.LatestHostData, &host); err != nil {
		return event.Event{}, fmt.Errorf("decode host snapshot %s/%s: %w", rel.OrgID, rel.InventoryID, err)
	}
	normalized, err := s.normalizer.Normalize(ctx, host)
	if err != nil {
		return event.Event{}, fmt.Errorf("renormalize host %s/%s: %w", rel.OrgID, rel.InventoryID, err)
	}
	err = s.store.Upsert(
		ctx,
		normalized.OrgID,
		normalized.InventoryID,
		normalized.SubscriptionManagerID,
		normalized.HypervisorUUID,
		normalized.IsUnmappedGuest,
		rel.LatestHostData,
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("refresh relationship: %w", err)
	}
	return s.buildEvent(event.TypeInstanceUpdated, normalized, timestamp), nil
}

func (s *Service) buildEvent(eventType string, normalized facts.NormalizedFacts, timestamp time.Time) event.Event {
	windowStart := clock.StartOfHour(timestamp)

	var measurements []event.Measurement
	if cores := normalized.Measurements.Cores; cores != nil {
		measurements = append(measurements, event.Measurement{
			MetricID: product.MetricCores,
			Value:    float64(*cores),
		})
	}
	if sockets := normalized.Measurements.Sockets; sockets != nil {
		measurements = append(measurements, event.Measurement{
			MetricID: product.MetricSockets,
			Value:    float64(*sockets),
		})
	}

	return event.Event{
		ServiceType:           event.ServiceTypeHost,
		EventSource:           event.SourceInventory,
		EventType:             eventType,
		Timestamp:             windowStart,
		Expiration:            windowStart.Add(time.Hour),
		OrgID:                 normalized.OrgID,
		InstanceID:            normalized.InstanceID,
		InventoryID:           normalized.InventoryID,
		InsightsID:            normalized.InsightsID,
		SubscriptionManagerID: normalized.SubscriptionManagerID,
		DisplayName:           normalized.DisplayName,
		Sla:                   normalized.Sla,
		Usage:                 normalized.Usage,
		BillingProvider:       normalized.BillingProvider,
		BillingAccountID:      normalized.BillingAccountID,
		CloudProvider:         normalized.CloudProvider,
		HardwareType:          normalized.HardwareType,
		HypervisorUUID:        normalized.HypervisorUUID,
		IsVirtual:             normalized.IsVirtual,
		IsHypervisor:          normalized.IsHypervisor,
		IsUnmappedGuest:       normalized.IsUnmappedGuest,
		Conversion:            normalized.ThirdPartyMigrated,
		ProductTags:           normalized.ProductTags,
		ProductIDs:            normalized.ProductIDs,
		Measurements:          measurements,
		LastSeen:              normalized.LastSeen,
	}
}
