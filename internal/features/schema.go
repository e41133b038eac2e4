package features

import "fmt"

// SchemaVersion identifies the ordered feature layout below. A trained model
// records the schema version it was fit against and is only ever scored with
// vectors carrying the same version.
const SchemaVersion = "v1"

// Feature names, in schema order. Names are stable and human readable so
// downstream components can report feature importance against them.
const (
	FeatContentLength     = "content_length"
	FeatWordCount         = "word_count"
	FeatSentenceCount     = "sentence_count"
	FeatSalaryKeywords    = "salary_keyword_weight"
	FeatExperienceKeyword = "experience_keyword_weight"
	FeatTechKeywords      = "technology_keyword_weight"
	FeatHasEmail          = "has_contact_email"
	FeatHasPhone          = "has_contact_phone"
	FeatSalaryMidpoint    = "salary_midpoint"
	FeatHasSalary         = "has_salary"
	FeatExperienceYears   = "experience_years"
	FeatHasExperience     = "has_experience_requirement"
	FeatFreshness         = "freshness"
	FeatBusinessHours     = "posted_business_hours"
	FeatDayOfWeek         = "day_of_week"
	FeatLocationPop       = "location_popularity"
	FeatIsRemote          = "is_remote"
	FeatLocationRate      = "location_success_rate"
	FeatIndustryTier      = "industry_tier"
	FeatSubcategory       = "subcategory_index"
	FeatPrice             = "price"
	FeatCategoryRate      = "category_success_rate"
	FeatSegmentRate       = "segment_success_rate"
)

// schemaV1 is the ordered layout; vector positions follow this slice.
var schemaV1 = []string{
	FeatContentLength,
	FeatWordCount,
	FeatSentenceCount,
	FeatSalaryKeywords,
	FeatExperienceKeyword,
	FeatTechKeywords,
	FeatHasEmail,
	FeatHasPhone,
	FeatSalaryMidpoint,
	FeatHasSalary,
	FeatExperienceYears,
	FeatHasExperience,
	FeatFreshness,
	FeatBusinessHours,
	FeatDayOfWeek,
	FeatLocationPop,
	FeatIsRemote,
	FeatLocationRate,
	FeatIndustryTier,
	FeatSubcategory,
	FeatPrice,
	FeatCategoryRate,
	FeatSegmentRate,
}

var schemaIndex = func() map[string]int {
	idx := make(map[string]int, len(schemaV1))
	for i, name := range schemaV1 {
		idx[name] = i
	}
	return idx
}()

// Names returns the ordered feature names for the current schema
func Names() []string {
	out := make([]string, len(schemaV1))
	copy(out, schemaV1)
	return out
}

// Count returns the number of features in the current schema
func Count() int { return len(schemaV1) }

// boundedFeatures are the [0,1]-valued features the degraded scoring
// fallback may average.
var boundedFeatures = []string{
	FeatSalaryKeywords,
	FeatHasEmail,
	FeatFreshness,
	FeatBusinessHours,
	FeatLocationPop,
	FeatLocationRate,
	FeatIndustryTier,
	FeatCategoryRate,
	FeatSegmentRate,
}

// FeatureVector is an ordered set of numeric values derived from one lead,
// stamped with the schema version that produced it.
type FeatureVector struct {
	SchemaVersion string    `json:"schema_version"`
	Values        []float64 `json:"values"`
}

// Get returns the value of the named feature
func (fv *FeatureVector) Get(name string) (float64, bool) {
	i, ok := schemaIndex[name]
	if !ok || i >= len(fv.Values) {
		return 0, false
	}
	return fv.Values[i], true
}

func (fv *FeatureVector) set(name string, value float64) {
	fv.Values[schemaIndex[name]] = value
}

// Map returns the vector as name -> value
func (fv *FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, len(fv.Values))
	for i, name := range schemaV1 {
		if i < len(fv.Values) {
			out[name] = fv.Values[i]
		}
	}
	return out
}

// BoundedMean averages the [0,1]-valued features; the scoring fallback uses
// it when no model is loaded.
func (fv *FeatureVector) BoundedMean() float64 {
	var sum float64
	var n int
	for _, name := range boundedFeatures {
		if v, ok := fv.Get(name); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

// Validate checks the vector matches its declared schema
func (fv *FeatureVector) Validate() error {
	if fv.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported feature schema version: %s", fv.SchemaVersion)
	}
	if len(fv.Values) != len(schemaV1) {
		return fmt.Errorf("feature vector has %d values, schema %s has %d", len(fv.Values), fv.SchemaVersion, len(schemaV1))
	}
	return nil
}

func newVector() *FeatureVector {
	return &FeatureVector{
		SchemaVersion: SchemaVersion,
		Values:        make([]float64, len(schemaV1)),
	}
}
