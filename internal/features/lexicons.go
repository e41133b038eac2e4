package features

// Static lookup tables. Keyword weights are matched case-insensitively on
// word boundaries; multi-word terms are matched as phrases.

var salaryTerms = map[string]float64{
	"salary":       1.0,
	"compensation": 1.0,
	"pay":          0.8,
	"equity":       0.8,
	"bonus":        0.6,
	"benefits":     0.6,
	"401k":         0.5,
	"stock":        0.5,
}

var experienceTerms = map[string]float64{
	"senior":      1.0,
	"principal":   1.0,
	"staff":       0.9,
	"lead":        0.8,
	"experienced": 0.7,
	"mid-level":   0.5,
	"junior":      0.3,
	"entry":       0.2,
	"intern":      0.1,
}

var technologyTerms = map[string]float64{
	"machine learning": 1.0,
	"python":           1.0,
	"golang":           1.0,
	"go":               0.9,
	"java":             0.9,
	"javascript":       0.9,
	"typescript":       0.9,
	"kubernetes":       0.9,
	"aws":              0.9,
	"react":            0.8,
	"docker":           0.8,
	"postgres":         0.8,
	"sql":              0.7,
	"api":              0.6,
	"linux":            0.6,
}

// marketPopularity scores known markets; unknown markets get the default
var marketPopularity = map[string]float64{
	"san francisco": 1.0,
	"new york":      0.95,
	"seattle":       0.9,
	"remote":        0.9,
	"austin":        0.85,
	"boston":        0.85,
	"los angeles":   0.8,
	"chicago":       0.75,
	"denver":        0.7,
	"atlanta":       0.7,
	"miami":         0.65,
	"portland":      0.6,
}

const defaultMarketPopularity = 0.4

// industryTier scores lead categories; technology and finance rank highest
var industryTier = map[string]float64{
	"technology":  1.0,
	"software":    1.0,
	"engineering": 0.9,
	"finance":     0.9,
	"healthcare":  0.8,
	"consulting":  0.7,
	"marketing":   0.6,
	"sales":       0.6,
	"design":      0.6,
	"education":   0.5,
	"retail":      0.4,
	"hospitality": 0.35,
}

const defaultIndustryTier = 0.5

// knownSubcategories maps subcategory names to a stable categorical index
var knownSubcategories = []string{
	"backend",
	"frontend",
	"fullstack",
	"mobile",
	"devops",
	"data",
	"security",
	"qa",
	"management",
	"design",
}

func subcategoryIndex(sub string) float64 {
	for i, name := range knownSubcategories {
		if name == sub {
			return float64(i + 1)
		}
	}
	return 0
}
