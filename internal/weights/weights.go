// ============================================================================
// fork-scorer Weight Optimizer
// ============================================================================
//
// Package: internal/weights
// File: weights.go
// Purpose: Maps job text to a normalized weight vector over the five scoring
//          dimensions. Stateless; safe for concurrent use.
//
// Resolution order:
//   1. default vector
//   2. industry preset  (first matching pattern wins, fixed priority order)
//   3. role preset      (overrides industry)
//   4. seniority factor (multiplicative, from the title)
//   5. renormalize to sum 1.0
//
// ============================================================================

package weights

import (
	"regexp"
	"strings"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// Seniority tiers.
const (
	SeniorityEntry     = "entry"
	SeniorityMid       = "mid"
	SenioritySenior    = "senior"
	SeniorityExecutive = "executive"
)

// Confidence increments.
const (
	baseConfidence      = 0.5
	industryConfidence  = 0.2
	roleConfidence      = 0.2
	seniorityConfidence = 0.1
)

type bucket struct {
	name    string
	pattern *regexp.Regexp
	weights types.WeightVector
}

func vec(skill, semantic, experience, education, certification float64) types.WeightVector {
	return types.WeightVector{
		types.StrategySkill:         skill,
		types.StrategySemantic:      semantic,
		types.StrategyExperience:    experience,
		types.StrategyEducation:     education,
		types.StrategyCertification: certification,
	}
}

// industries in priority order
var industries = []bucket{
	{"healthcare", regexp.MustCompile(`(?i)\b(hospital|clinic(al)?|patient|healthcare|medical|nurs(e|ing)|pharma\w*)\b`),
		vec(0.20, 0.15, 0.20, 0.20, 0.25)},
	{"finance", regexp.MustCompile(`(?i)\b(bank(ing)?|financ\w*|investment|trading|accounting|audit|insurance|fintech)\b`),
		vec(0.25, 0.15, 0.25, 0.20, 0.15)},
	{"technology", regexp.MustCompile(`(?i)\b(software|saas|cloud|platform|developer|engineering|devops|api|microservices?)\b`),
		vec(0.35, 0.20, 0.20, 0.10, 0.15)},
	{"education", regexp.MustCompile(`(?i)\b(school|universit(y|ies)|teach(er|ing)|curriculum|academic|students?)\b`),
		vec(0.15, 0.20, 0.20, 0.35, 0.10)},
	{"legal", regexp.MustCompile(`(?i)\b(law firm|legal|attorney|counsel|litigation|compliance)\b`),
		vec(0.15, 0.20, 0.25, 0.25, 0.15)},
	{"manufacturing", regexp.MustCompile(`(?i)\b(manufactur\w*|factory|plant|assembly|supply chain|logistics)\b`),
		vec(0.25, 0.10, 0.30, 0.10, 0.25)},
	{"retail", regexp.MustCompile(`(?i)\b(retail|e-?commerce|store|merchandis\w*|customer service)\b`),
		vec(0.25, 0.25, 0.25, 0.10, 0.15)},
}

// roles in priority order; a match overrides the industry preset
var roles = []bucket{
	{"data_scientist", regexp.MustCompile(`(?i)\b(data scientist|machine learning|ml engineer|data science)\b`),
		vec(0.30, 0.20, 0.15, 0.25, 0.10)},
	{"software_engineer", regexp.MustCompile(`(?i)\b(software engineer|developer|programmer|backend|frontend|full[- ]?stack)\b`),
		vec(0.40, 0.20, 0.20, 0.05, 0.15)},
	{"devops_engineer", regexp.MustCompile(`(?i)\b(devops|site reliability|sre|platform engineer|infrastructure engineer)\b`),
		vec(0.35, 0.15, 0.20, 0.05, 0.25)},
	{"product_manager", regexp.MustCompile(`(?i)\b(product manager|product owner)\b`),
		vec(0.20, 0.30, 0.30, 0.10, 0.10)},
	{"designer", regexp.MustCompile(`(?i)\b(designer|ux|ui/ux|user experience)\b`),
		vec(0.35, 0.30, 0.20, 0.10, 0.05)},
	{"nurse", regexp.MustCompile(`(?i)\b(registered nurse|rn|nurse practitioner)\b`),
		vec(0.20, 0.10, 0.20, 0.20, 0.30)},
	{"accountant", regexp.MustCompile(`(?i)\b(accountant|cpa|bookkeeper|auditor)\b`),
		vec(0.20, 0.10, 0.20, 0.20, 0.30)},
	{"teacher", regexp.MustCompile(`(?i)\b(teacher|instructor|lecturer|professor)\b`),
		vec(0.15, 0.20, 0.20, 0.35, 0.10)},
	{"sales", regexp.MustCompile(`(?i)\b(sales|account executive|business development)\b`),
		vec(0.20, 0.30, 0.35, 0.05, 0.10)},
}

// seniority checks run in this order
var seniorityPatterns = []struct {
	tier    string
	pattern *regexp.Regexp
}{
	{SeniorityExecutive, regexp.MustCompile(`(?i)\b(chief|cto|ceo|cfo|coo|vp|vice president|director|head of)\b`)},
	{SenioritySenior, regexp.MustCompile(`(?i)\b(senior|sr\.?|lead|principal|staff)\b`)},
	{SeniorityEntry, regexp.MustCompile(`(?i)\b(junior|jr\.?|entry[- ]level|intern(ship)?|graduate|trainee)\b`)},
}

var seniorityFactors = map[string]types.WeightVector{
	SeniorityEntry:     vec(0.9, 1.0, 0.6, 1.4, 1.0),
	SeniorityMid:       vec(1.0, 1.0, 1.0, 1.0, 1.0),
	SenioritySenior:    vec(1.1, 1.0, 1.3, 0.8, 1.0),
	SeniorityExecutive: vec(0.8, 1.2, 1.5, 0.7, 0.8),
}

// Classification is what the optimizer detected in the job text.
type Classification struct {
	Industry  string
	Role      string
	Seniority string
}

// Classify detects industry, role and seniority. metadata may force a known
// industry or role by name through the "industry" and "role" keys.
func Classify(title, description string, metadata map[string]string) Classification {
	text := title + " " + description

	c := Classification{Seniority: SeniorityMid}
	if b, ok := lookup(industries, metadata["industry"]); ok {
		c.Industry = b.name
	} else if b, ok := match(industries, text); ok {
		c.Industry = b.name
	}
	if b, ok := lookup(roles, metadata["role"]); ok {
		c.Role = b.name
	} else if b, ok := match(roles, text); ok {
		c.Role = b.name
	}
	for _, s := range seniorityPatterns {
		if s.pattern.MatchString(title) {
			c.Seniority = s.tier
			break
		}
	}
	return c
}

// Optimal returns the weight profile for a job.
func Optimal(title, description string, metadata map[string]string) types.WeightProfile {
	c := Classify(title, description, metadata)

	w := types.DefaultWeights()
	if b, ok := lookup(industries, c.Industry); ok {
		w = b.weights.Clone()
	}
	if b, ok := lookup(roles, c.Role); ok {
		w = b.weights.Clone()
	}
	factors := seniorityFactors[c.Seniority]
	for _, d := range types.Dimensions {
		w[d] *= factors[d]
	}

	return types.WeightProfile{
		Weights:    w.Normalized(),
		Source:     types.WeightsDynamic,
		Industry:   c.Industry,
		Role:       c.Role,
		Seniority:  c.Seniority,
		Confidence: c.confidence(),
	}
}

// Confidence scores how much of the job text was recognized, in [0,1].
// It is metadata only and never changes scoring.
func Confidence(title, description string) float64 {
	return Classify(title, description, nil).confidence()
}

func (c Classification) confidence() float64 {
	conf := baseConfidence
	if c.Industry != "" {
		conf += industryConfidence
	}
	if c.Role != "" {
		conf += roleConfidence
	}
	if c.Seniority != SeniorityMid {
		conf += seniorityConfidence
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func match(buckets []bucket, text string) (bucket, bool) {
	for _, b := range buckets {
		if b.pattern.MatchString(text) {
			return b, true
		}
	}
	return bucket{}, false
}

func lookup(buckets []bucket, name string) (bucket, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return bucket{}, false
	}
	for _, b := range buckets {
		if b.name == name {
			return b, true
		}
	}
	return bucket{}, false
}
