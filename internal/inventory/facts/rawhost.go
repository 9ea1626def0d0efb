// Package facts turns raw inventory host records into the canonical
// normalized facts and measurements the rest of the pipeline consumes.
package facts

import (
	"encoding/json"
	"time"
)

// Fact namespaces carried on inventory host records.
const (
	NamespaceRhsm      = "rhsm"
	NamespaceSatellite = "satellite"
	NamespaceQpc       = "qpc"
)

// RawHost is an inventory host record as received on the host-events topic.
// The namespaced fact groups are kept raw and decoded on demand; the record
// is also stored verbatim as the relationship snapshot so cascades can
// renormalize later.
type RawHost struct {
	OrgID                 string        `json:"org_id"`
	ID                    string        `json:"id"`
	SubscriptionManagerID string        `json:"subscription_manager_id"`
	InsightsID            string        `json:"insights_id"`
	ProviderID            string        `json:"provider_id"`
	DisplayName           string        `json:"display_name"`
	StaleTimestamp        time.Time     `json:"stale_timestamp"`
	Updated               time.Time     `json:"updated"`
	Facts                 []FactSet     `json:"facts"`
	SystemProfile         SystemProfile `json:"system_profile"`
}

// FactSet is one namespaced group of facts on a host record.
type FactSet struct {
	Namespace string          `json:"namespace"`
	Facts     json.RawMessage `json:"facts"`
}

// RhsmFacts are subscription-manager reported facts.
type RhsmFacts struct {
	IsVirtual          bool     `json:"IS_VIRTUAL"`
	BillingModel       string   `json:"BILLING_MODEL"`
	SyncTimestamp      string   `json:"SYNC_TIMESTAMP"`
	Sla                string   `json:"SYSPURPOSE_SLA"`
	Usage              string   `json:"SYSPURPOSE_USAGE"`
	SystemPurposeUnits string   `json:"SYSPURPOSE_UNITS"`
	BillingAccountID   string   `json:"BILLING_ACCOUNT_ID"`
	ProductIDs         []string `json:"RH_PROD"`
}

// SatelliteFacts are satellite-reported facts.
type SatelliteFacts struct {
	HypervisorUUID string `json:"virtual_host_uuid"`
	Sla            string `json:"system_purpose_sla"`
	Usage          string `json:"system_purpose_usage"`
	Role           string `json:"system_purpose_role"`
}

// QpcFacts are facts discovered by the product certificate scanner.
type QpcFacts struct {
	IsRHEL bool `json:"IS_RHEL"`
}

// SystemProfile is the host's hardware and platform profile.
type SystemProfile struct {
	Arch               string             `json:"arch"`
	InfrastructureType string             `json:"infrastructure_type"`
	Sockets            int                `json:"number_of_sockets"`
	CoresPerSocket     int                `json:"cores_per_socket"`
	CPUs               int                `json:"number_of_cpus"`
	ThreadsPerCore     float64            `json:"threads_per_core"`
	CloudProvider      string             `json:"cloud_provider"`
	HypervisorUUID     string             `json:"virtual_host_uuid"`
	HostType           string             `json:"host_type"`
	IsMarketplace      bool               `json:"is_marketplace"`
	InstalledProducts  []InstalledProduct `json:"installed_products"`
	Conversions        Conversions        `json:"conversions"`
}

type InstalledProduct struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Conversions flags hosts migrated from a third-party distribution.
type Conversions struct {
	Activity bool `json:"activity"`
}

func (h RawHost) factSet(namespace string) (json.RawMessage, bool) {
	for _, f := range h.Facts {
		if f.Namespace == namespace {
			return f.Facts, true
		}
	}
	return nil, false
}

// RhsmFacts decodes the rhsm namespace. Missing or undecodable facts yield
// nil rather than an error.
func (h RawHost) RhsmFacts() *RhsmFacts {
	raw, ok := h.factSet(NamespaceRhsm)
	if !ok {
		return nil
	}
	var f RhsmFacts
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return &f
}

// SatelliteFacts decodes the satellite namespace.
func (h RawHost) SatelliteFacts() *SatelliteFacts {
	raw, ok := h.factSet(NamespaceSatellite)
	if !ok {
		return nil
	}
	var f SatelliteFacts
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return &f
}

// QpcFacts decodes the qpc namespace.
func (h RawHost) QpcFacts() *QpcFacts {
	raw, ok := h.factSet(NamespaceQpc)
	if !ok {
		return nil
	}
	var f QpcFacts
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return &f
}
