package features

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/models"
)

const hoursPerWorkYear = 2080

var (
	// Amounts require either a currency prefix or a k/m magnitude suffix,
	// so bare numbers ("5 years") never parse as money.
	moneyWithPrefix = regexp.MustCompile(`(?i)\$\s*(\d+(?:,\d{3})*(?:\.\d+)?)\s*([km])?`)
	moneyWithSuffix = regexp.MustCompile(`(?i)\b(\d+(?:,\d{3})*(?:\.\d+)?)\s*([km])\b`)
	hourlyPattern   = regexp.MustCompile(`(?i)(/\s*(hr|hour)|per\s+hour|hourly)`)

	experiencePattern = regexp.MustCompile(`(?i)\b(\d{1,2})\s*\+?\s*(?:years?|yrs?)\b`)
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern      = regexp.MustCompile(`\(?\d{3}\)?[\-.\s]\d{3}[\-.\s]?\d{4}`)
	remotePattern     = regexp.MustCompile(`(?i)\b(remote|work from home|wfh|fully distributed)\b`)
	sentenceSplit     = regexp.MustCompile(`[.!?]+`)
)

type weightedTerm struct {
	re     *regexp.Regexp
	weight float64
}

func compileLexicon(terms map[string]float64) []weightedTerm {
	compiled := make([]weightedTerm, 0, len(terms))
	for term, weight := range terms {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		compiled = append(compiled, weightedTerm{re: re, weight: weight})
	}
	return compiled
}

var (
	salaryLexicon     = compileLexicon(salaryTerms)
	experienceLexicon = compileLexicon(experienceTerms)
	technologyLexicon = compileLexicon(technologyTerms)
)

// Extractor derives feature vectors from lead records. It is deterministic
// given a fixed reference time and unchanged historical aggregates; its only
// external reads are the aggregate lookups.
type Extractor struct {
	stats            models.StatsRepository
	freshnessWindowH float64
	logger           *logrus.Logger
}

func NewExtractor(stats models.StatsRepository, freshnessWindowHours float64, logger *logrus.Logger) *Extractor {
	if freshnessWindowHours <= 0 {
		freshnessWindowHours = 24
	}
	return &Extractor{
		stats:            stats,
		freshnessWindowH: freshnessWindowHours,
		logger:           logger,
	}
}

// Extract builds the feature vector for a lead. The reference time is an
// explicit argument so freshness does not depend on the wall clock.
func (e *Extractor) Extract(lead *models.Lead, now time.Time) *FeatureVector {
	fv := newVector()

	text := lead.Title + " " + lead.Description

	// Text features
	fv.set(FeatContentLength, float64(len(text)))
	words := strings.Fields(text)
	fv.set(FeatWordCount, float64(len(words)))
	fv.set(FeatSentenceCount, float64(countSentences(lead.Description)))

	fv.set(FeatSalaryKeywords, lexiconWeight(text, salaryLexicon))
	fv.set(FeatExperienceKeyword, lexiconWeight(text, experienceLexicon))
	fv.set(FeatTechKeywords, lexiconWeight(text, technologyLexicon))

	if lead.Email != "" || emailPattern.MatchString(text) {
		fv.set(FeatHasEmail, 1)
	}
	if phonePattern.MatchString(text) {
		fv.set(FeatHasPhone, 1)
	}

	if salary, ok := extractSalary(text); ok {
		fv.set(FeatSalaryMidpoint, salary)
		fv.set(FeatHasSalary, 1)
	}

	if years, ok := extractExperienceYears(text); ok {
		fv.set(FeatExperienceYears, years)
		fv.set(FeatHasExperience, 1)
	}

	// Temporal features
	ageHours := now.Sub(lead.PostedAt).Hours()
	freshness := 1 - ageHours/e.freshnessWindowH
	if freshness < 0 {
		freshness = 0
	}
	if freshness > 1 {
		freshness = 1
	}
	fv.set(FeatFreshness, freshness)

	if postedDuringBusinessHours(lead.PostedAt) {
		fv.set(FeatBusinessHours, 1)
	}
	fv.set(FeatDayOfWeek, float64(lead.PostedAt.Weekday()))

	// Location features
	location := normalize(lead.LocationName)
	if pop, ok := marketPopularity[location]; ok {
		fv.set(FeatLocationPop, pop)
	} else {
		fv.set(FeatLocationPop, defaultMarketPopularity)
	}
	if location == "remote" || remotePattern.MatchString(text) {
		fv.set(FeatIsRemote, 1)
	}

	// Category features
	category := normalize(lead.Category)
	if tier, ok := industryTier[category]; ok {
		fv.set(FeatIndustryTier, tier)
	} else {
		fv.set(FeatIndustryTier, defaultIndustryTier)
	}
	fv.set(FeatSubcategory, subcategoryIndex(subcategoryOf(lead.Category)))

	fv.set(FeatPrice, lead.Price)

	// Historical features from the aggregate store, defaulting to the
	// global average when a bucket has no history
	global := e.globalRate()
	fv.set(FeatLocationRate, e.lookupRate(func() (float64, bool, error) {
		return e.stats.LocationRate(location)
	}, global))
	categoryRate := e.lookupRate(func() (float64, bool, error) {
		return e.stats.CategoryRate(category)
	}, global)
	fv.set(FeatCategoryRate, categoryRate)
	fv.set(FeatSegmentRate, e.lookupRate(func() (float64, bool, error) {
		return e.stats.SegmentRate(category, location)
	}, categoryRate))

	return fv
}

func (e *Extractor) globalRate() float64 {
	global, err := e.stats.GlobalRate()
	if err != nil {
		e.logger.WithError(err).Warn("Failed to read global success rate, using prior")
		return 0.5
	}
	return global
}

func (e *Extractor) lookupRate(fetch func() (float64, bool, error), fallback float64) float64 {
	value, found, err := fetch()
	if err != nil {
		e.logger.WithError(err).Warn("Historical aggregate lookup failed, using fallback")
		return fallback
	}
	if !found {
		return fallback
	}
	return value
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// subcategoryOf reads a "category/subcategory" qualifier when present
func subcategoryOf(category string) string {
	parts := strings.SplitN(normalize(category), "/", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func countSentences(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	count := 0
	for _, part := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			count++
		}
	}
	if count == 0 {
		count = 1
	}
	return count
}

func lexiconWeight(text string, lexicon []weightedTerm) float64 {
	var total float64
	for _, term := range lexicon {
		matches := term.re.FindAllStringIndex(text, -1)
		total += float64(len(matches)) * term.weight
	}
	return total
}

// extractSalary parses currency amounts, applies k/m magnitude suffixes,
// annualizes hourly figures, and takes the midpoint for ranges.
func extractSalary(text string) (float64, bool) {
	seen := map[float64]bool{}
	var amounts []float64

	collect := func(matches [][]string) {
		for _, m := range matches {
			raw := strings.ReplaceAll(m[1], ",", "")
			// "401k" is a benefits term, not a salary
			if raw == "401" && strings.EqualFold(m[2], "k") {
				continue
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			switch strings.ToLower(m[2]) {
			case "k":
				value *= 1_000
			case "m":
				value *= 1_000_000
			}
			if !seen[value] {
				seen[value] = true
				amounts = append(amounts, value)
			}
		}
	}

	collect(moneyWithPrefix.FindAllStringSubmatch(text, -1))
	collect(moneyWithSuffix.FindAllStringSubmatch(text, -1))

	if len(amounts) == 0 {
		return 0, false
	}

	hourly := hourlyPattern.MatchString(text)
	var annual []float64
	for _, value := range amounts {
		if hourly && value < 1_000 {
			value *= hoursPerWorkYear
		}
		if value >= 1_000 {
			annual = append(annual, value)
		}
	}
	if len(annual) == 0 {
		return 0, false
	}

	lo, hi := annual[0], annual[0]
	for _, value := range annual[1:] {
		if value < lo {
			lo = value
		}
		if value > hi {
			hi = value
		}
	}
	return (lo + hi) / 2, true
}

// extractExperienceYears finds "N+ years"-style requirements
func extractExperienceYears(text string) (float64, bool) {
	m := experiencePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	years, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return years, true
}

// postedDuringBusinessHours reports whether the lead was posted 9-17
// Monday through Friday in the timestamp's own zone
func postedDuringBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= 9 && t.Hour() < 17
}
