// Package domain contains core business types and interfaces.
//
// This file defines subscription tiers: the feature set, data-source access and
// per-endpoint monthly quotas bundled under a tier id.
package domain

import "slices"

// TierID identifies a subscription tier in the catalog.
type TierID string

const (
	TierFree         TierID = "free"
	TierBasic        TierID = "basic"
	TierPremium      TierID = "premium"
	TierProfessional TierID = "professional"
	TierEnterprise   TierID = "enterprise"
)

// FeatureFlag names a capability that a tier may include.
type FeatureFlag string

const (
	FeatureRiskAssessment      FeatureFlag = "risk_assessment"
	FeatureAddressAutocomplete FeatureFlag = "address_autocomplete"
	FeaturePDFExport           FeatureFlag = "pdf_export"
	FeatureBulkProcessing      FeatureFlag = "bulk_processing"
	FeatureHistoricalData      FeatureFlag = "historical_data"
	FeatureAPIAccess           FeatureFlag = "api_access"
	FeaturePrioritySupport     FeatureFlag = "priority_support"
)

// DataSourceID names a third-party hazard data provider.
type DataSourceID string

const (
	DataSourceFEMA        DataSourceID = "fema"
	DataSourceNOAA        DataSourceID = "noaa"
	DataSourceUSGS        DataSourceID = "usgs"
	DataSourceFirstStreet DataSourceID = "first_street"
)

// EndpointID names a metered resource.
type EndpointID string

const (
	EndpointRiskAssessment EndpointID = "risk_assessment"
	EndpointGeocode        EndpointID = "geocode"
	EndpointBulkProcessing EndpointID = "bulk_processing"
	EndpointReportExport   EndpointID = "report_export"
)

// Unlimited is the quota and remaining value meaning "no limit".
const Unlimited = -1

// Tier is the static definition of a subscription level.
//
// Tiers are loaded once by the catalog and shared read-only between
// requests. Nothing may mutate a Tier after the catalog is built.
type Tier struct {
	ID                TierID
	Rank              int
	DisplayName       string
	MonthlyPriceCents int64
	ContactSales      bool
	Features          []FeatureFlag
	DataSources       []DataSourceID
	MonthlyQuota      map[EndpointID]int
	MaxBatchSize      int
}

// Quota returns the monthly limit for an endpoint.
// ok is false when the tier does not list the endpoint at all.
func (t *Tier) Quota(endpoint EndpointID) (limit int, ok bool) {
	limit, ok = t.MonthlyQuota[endpoint]
	return limit, ok
}

// HasFeature reports whether the tier includes a feature.
func (t *Tier) HasFeature(f FeatureFlag) bool {
	return slices.Contains(t.Features, f)
}

// AllowsDataSource reports whether the tier may query a data source.
func (t *Tier) AllowsDataSource(s DataSourceID) bool {
	return slices.Contains(t.DataSources, s)
}

// IsPaid reports whether the tier is a paid tier.
func (t *Tier) IsPaid() bool {
	return t.ID != TierFree
}

// QuotaAtMost reports whether quota a is no larger than quota b, treating
// Unlimited as infinity.
func QuotaAtMost(a, b int) bool {
	if b == Unlimited {
		return true
	}
	if a == Unlimited {
		return false
	}
	return a <= b
}
