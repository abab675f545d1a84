// Package strategies holds the reference scorers for the five scoring dimensions.
//
// Subject data conventions (all keys optional):
//
//	resume: skills []string, summary string, years_experience number,
//	        education string, certifications []string
//	job:    title string, description string, required_skills []string,
//	        min_years number, required_education string,
//	        preferred_certifications []string
//
// Every scorer is a pure function of the two subjects.
package strategies

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/ChuLiYu/fork-scorer/internal/agent"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// Register adds the five reference scorers to reg in canonical dimension order.
func Register(reg *agent.Registry) error {
	scorers := map[types.StrategyType]agent.Scorer{
		types.StrategySkill:         Skill{},
		types.StrategySemantic:      Semantic{},
		types.StrategyExperience:    Experience{},
		types.StrategyEducation:     Education{},
		types.StrategyCertification: Certification{},
	}
	for _, d := range types.Dimensions {
		if err := reg.Register(d, scorers[d]); err != nil {
			return fmt.Errorf("failed to register %s scorer: %w", d, err)
		}
	}
	return nil
}

// ============================================================================
// Skill
// ============================================================================

// Skill scores the share of required job skills listed on the resume.
type Skill struct{}

func (Skill) RequiredFields() []string { return []string{"matched", "missing"} }

func (Skill) Analyze(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
	matched, missing := overlap(stringList(a.Data["skills"]), stringList(b.Data["required_skills"]))
	return map[string]any{
		"score":   coverage(len(matched), len(matched)+len(missing)),
		"matched": matched,
		"missing": missing,
	}, nil
}

// ============================================================================
// Semantic
// ============================================================================

// Semantic scores the cosine similarity of term frequencies between the
// resume text and the job text.
type Semantic struct{}

func (Semantic) RequiredFields() []string { return []string{"similarity"} }

func (Semantic) Analyze(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
	resumeText := str(a.Data["summary"]) + " " + strings.Join(stringList(a.Data["skills"]), " ")
	jobText := str(b.Data["title"]) + " " + str(b.Data["description"])

	sim := cosine(termFrequencies(resumeText), termFrequencies(jobText))
	return map[string]any{
		"score":      round2(sim * 100),
		"similarity": round2(sim),
	}, nil
}

func termFrequencies(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	}) {
		if len(tok) < 2 {
			continue
		}
		tf[tok]++
	}
	return tf
}

func cosine(x, y map[string]float64) float64 {
	var dot, nx, ny float64
	for k, v := range x {
		nx += v * v
		dot += v * y[k]
	}
	for _, v := range y {
		ny += v * v
	}
	if nx == 0 || ny == 0 {
		return 0
	}
	return math.Min(1, dot/(math.Sqrt(nx)*math.Sqrt(ny)))
}

// ============================================================================
// Experience
// ============================================================================

// Experience scores years of experience against the job minimum.
type Experience struct{}

func (Experience) RequiredFields() []string { return []string{"years", "required_years"} }

func (Experience) Analyze(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
	years := number(a.Data["years_experience"])
	required := number(b.Data["min_years"])

	var score float64
	switch {
	case required <= 0 && years > 0:
		score = 100
	case required <= 0:
		score = 50
	default:
		score = math.Min(100, years/required*100)
	}
	return map[string]any{
		"score":          round2(score),
		"years":          years,
		"required_years": required,
	}, nil
}

// ============================================================================
// Education
// ============================================================================

var educationTiers = map[string]int{
	"high_school": 1,
	"associate":   2,
	"bachelor":    3,
	"master":      4,
	"phd":         5,
}

// Education scores the resume's highest degree tier against the required tier.
type Education struct{}

func (Education) RequiredFields() []string { return []string{"level", "required_level"} }

func (Education) Analyze(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
	have := educationTiers[normalize(str(a.Data["education"]))]
	want := educationTiers[normalize(str(b.Data["required_education"]))]

	var score float64
	switch {
	case want == 0 && have == 0:
		score = 50
	case want == 0 || have >= want:
		score = 100
	default:
		score = float64(have) / float64(want) * 100
	}
	return map[string]any{
		"score":          round2(score),
		"level":          have,
		"required_level": want,
	}, nil
}

// ============================================================================
// Certification
// ============================================================================

// Certification scores the share of preferred certifications held.
type Certification struct{}

func (Certification) RequiredFields() []string { return []string{"matched"} }

func (Certification) Analyze(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
	matched, missing := overlap(stringList(a.Data["certifications"]), stringList(b.Data["preferred_certifications"]))
	return map[string]any{
		"score":   coverage(len(matched), len(matched)+len(missing)),
		"matched": matched,
		"missing": missing,
	}, nil
}

// ============================================================================
// Helpers
// ============================================================================

// overlap splits wanted into the entries present in have and the rest,
// comparing case-insensitively and preserving the order of wanted.
func overlap(have, wanted []string) (matched, missing []string) {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[normalize(h)] = true
	}
	matched, missing = []string{}, []string{}
	for _, w := range wanted {
		if set[normalize(w)] {
			matched = append(matched, w)
		} else {
			missing = append(missing, w)
		}
	}
	return matched, missing
}

// coverage is 100 when nothing is wanted.
func coverage(matched, total int) float64 {
	if total == 0 {
		return 100
	}
	return round2(float64(matched) / float64(total) * 100)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(s)
	switch s {
	case "bachelors", "bsc", "ba", "bs":
		return "bachelor"
	case "masters", "msc", "ma", "ms":
		return "master"
	case "doctorate":
		return "phd"
	}
	return s
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
