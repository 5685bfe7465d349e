package externalid

import "strings"

// FieldPlaceholder marks where a query template takes the side's external id field.
const FieldPlaceholder = "{externalIdField}"

// Strategy says whether source and target share one external id field.
type Strategy string

const (
	StrategyAutoDetect       Strategy = "auto-detect"
	StrategyCrossEnvironment Strategy = "cross-environment"
)

// CrossEnvironment records both sides' package types when they differ.
type CrossEnvironment struct {
	SourcePackageType PackageType `json:"source_package_type"`
	TargetPackageType PackageType `json:"target_package_type"`
}

// MappingConfig maps the source org's external id field to the target org's.
type MappingConfig struct {
	Object           string            `json:"object"`
	Strategy         Strategy          `json:"strategy"`
	SourceField      string            `json:"source_field"`
	TargetField      string            `json:"target_field"`
	CrossEnvironment *CrossEnvironment `json:"cross_environment_mapping,omitempty"`
	Confirmed        bool              `json:"confirmed"`
}

// DetectCrossEnvironmentMapping derives the mapping for a source and target detection of the
// same object. Matching package types and fields give [StrategyAutoDetect].
func DetectCrossEnvironmentMapping(source, target EnvironmentInfo) MappingConfig {
	m := MappingConfig{
		Object:      source.Object,
		SourceField: source.ExternalIDField,
		TargetField: target.ExternalIDField,
		Confirmed:   source.Confirmed && target.Confirmed,
	}

	if source.PackageType == target.PackageType && source.ExternalIDField == target.ExternalIDField {
		m.Strategy = StrategyAutoDetect
		return m
	}

	m.Strategy = StrategyCrossEnvironment
	m.CrossEnvironment = &CrossEnvironment{
		SourcePackageType: source.PackageType,
		TargetPackageType: target.PackageType,
	}
	return m
}

// BuildQueries fills every placeholder in template with the source field for the source query
// and the target field for the target query. Placeholders inside relationship traversals such as
// Parent__r.{externalIdField} are replaced too.
func (m MappingConfig) BuildQueries(template string) (source, target string) {
	return strings.ReplaceAll(template, FieldPlaceholder, m.SourceField),
		strings.ReplaceAll(template, FieldPlaceholder, m.TargetField)
}

// IsCrossEnvironment reports whether the two sides use different fields.
func (m MappingConfig) IsCrossEnvironment() bool {
	return m.Strategy == StrategyCrossEnvironment
}
