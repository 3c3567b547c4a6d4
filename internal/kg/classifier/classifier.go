// Package classifier turns raw extracted triples into status-tagged
// assertions and detects contradictions between decided facts.
package classifier

import (
	"sort"
	"strings"
	"time"

	"github.com/symmetry-ai/backend/pkg/utils"
)

type Status string

const (
	StatusDecided   Status = "decided"
	StatusExploring Status = "exploring"
	StatusRejected  Status = "rejected"
)

type Attribution string

const (
	AttributionUser      Attribution = "user"
	AttributionColleague Attribution = "colleague"
	AttributionExternal  Attribution = "external_source"
	AttributionAssistant Attribution = "assistant_suggestion"
)

type RawTriple struct {
	Subject    string
	Predicate  string
	Object     string
	SourceText string
}

type Provenance struct {
	ConversationID string
	Platform       string
	SpeakerHint    string
}

type Assertion struct {
	Fingerprint  string
	Subject      string
	Predicate    string
	Object       string
	SourceText   string
	Status       Status
	Confidence   float64
	AttributedTo Attribution
	Category     string
	Temporal     string
	Provenance   Provenance
	AssertedAt   time.Time
	Verified     bool
}

type rule struct {
	cue        string
	status     Status
	confidence float64
}

// Negation rules run before the positive table, highest confidence
// first, so "decided against X" lands on rejected even though
// "decided" also matches a positive cue.
var negationRules = []rule{
	{"decided against", StatusRejected, 0.95},
	{"ruled out", StatusRejected, 0.95},
	{"not going to use", StatusRejected, 0.9},
	{"won't use", StatusRejected, 0.9},
	{"will not use", StatusRejected, 0.9},
	{"never using", StatusRejected, 0.9},
	{"won't", StatusRejected, 0.85},
	{"will not", StatusRejected, 0.85},
	{"not going to", StatusRejected, 0.85},
	{"don't want", StatusRejected, 0.8},
	{"avoid", StatusRejected, 0.8},
}

var positiveRules = []rule{
	{"i decided", StatusDecided, 0.95},
	{"decided on", StatusDecided, 0.95},
	{"decided to use", StatusDecided, 0.95},
	{"going with", StatusDecided, 0.9},
	{"chose", StatusDecided, 0.9},
	{"i'll use", StatusDecided, 0.9},
	{"picked", StatusDecided, 0.9},
	{"let's use", StatusDecided, 0.85},
	{"we should use", StatusDecided, 0.85},
	{"i think", StatusExploring, 0.6},
	{"leaning toward", StatusExploring, 0.6},
	{"considering", StatusExploring, 0.5},
	{"maybe", StatusExploring, 0.4},
	{"what about", StatusExploring, 0.4},
	{"could try", StatusExploring, 0.4},
}

var attributionMarkers = []struct {
	marker string
	attr   Attribution
}{
	{"my colleague", AttributionColleague},
	{"my coworker", AttributionColleague},
	{"my teammate", AttributionColleague},
	{"an article said", AttributionExternal},
	{"the article", AttributionExternal},
	{"the docs", AttributionExternal},
	{"documentation says", AttributionExternal},
	{"a blog post", AttributionExternal},
	{"the assistant suggested", AttributionAssistant},
	{"you suggested", AttributionAssistant},
	{"you recommended", AttributionAssistant},
}

var temporalMarkers = []string{
	"for now",
	"for the moment",
	"temporarily",
	"until",
	"for this sprint",
	"for this project",
}

// Classify maps a raw triple to an assertion. The predicate and source
// text are matched against the negation table first; when several
// negation cues hit, the highest-confidence rule wins.
func Classify(triple RawTriple, prov Provenance, assertedAt time.Time) Assertion {
	phrase := strings.ToLower(triple.Predicate + " " + triple.SourceText)

	status, confidence := matchRules(phrase)

	attr := AttributionUser
	source := strings.ToLower(triple.SourceText)
	for _, m := range attributionMarkers {
		if strings.Contains(source, m.marker) {
			attr = m.attr
			break
		}
	}

	// A third-party statement alone never elevates to a decided fact.
	if attr != AttributionUser && status == StatusDecided {
		status = StatusExploring
		if confidence > 0.7 {
			confidence = 0.7
		}
	}

	temporal := ""
	for _, m := range temporalMarkers {
		if strings.Contains(source, m) {
			temporal = m
			break
		}
	}

	return Assertion{
		Fingerprint:  FingerprintOf(triple, prov),
		Subject:      triple.Subject,
		Predicate:    triple.Predicate,
		Object:       triple.Object,
		SourceText:   triple.SourceText,
		Status:       status,
		Confidence:   confidence,
		AttributedTo: attr,
		Category:     Categorize(triple.Object),
		Temporal:     temporal,
		Provenance:   prov,
		AssertedAt:   assertedAt,
	}
}

func matchRules(phrase string) (Status, float64) {
	best := rule{}
	for _, r := range negationRules {
		if strings.Contains(phrase, r.cue) && r.confidence > best.confidence {
			best = r
		}
	}
	if best.confidence > 0 {
		return best.status, best.confidence
	}

	for _, r := range positiveRules {
		if strings.Contains(phrase, r.cue) && r.confidence > best.confidence {
			best = r
		}
	}
	if best.confidence > 0 {
		return best.status, best.confidence
	}

	return StatusExploring, 0.5
}

// FingerprintOf keys an assertion by its triple plus provenance, so
// re-classifying the same extraction is a no-op upsert.
func FingerprintOf(triple RawTriple, prov Provenance) string {
	return utils.Fingerprint(
		strings.ToLower(triple.Subject),
		strings.ToLower(triple.Predicate),
		strings.ToLower(triple.Object),
		prov.ConversationID,
	)
}

var categories = map[string][]string{
	"database":  {"postgres", "postgresql", "mysql", "sqlite", "mongodb", "mongo", "dynamodb", "cassandra", "cockroach", "mariadb", "oracle", "mssql", "supabase", "planetscale"},
	"cache":     {"redis", "memcached", "valkey", "hazelcast"},
	"language":  {"go", "golang", "python", "rust", "java", "typescript", "javascript", "kotlin", "ruby", "elixir", "c++", "c#"},
	"framework": {"react", "vue", "svelte", "angular", "django", "flask", "fastapi", "rails", "spring", "nextjs", "next.js", "fiber", "gin", "express"},
	"queue":     {"kafka", "rabbitmq", "nats", "sqs", "pulsar", "pubsub"},
	"cloud":     {"aws", "gcp", "azure", "cloudflare", "vercel", "netlify", "heroku", "fly.io", "railway"},
	"search":    {"elasticsearch", "opensearch", "meilisearch", "typesense", "solr", "milvus", "pinecone", "weaviate", "qdrant"},
}

// Categorize assigns an object label family used for contradiction
// pairing. Exact member matches win; the substring fallback skips short
// members so "mongodb" never lands on "go". Unknown objects fall into
// their own singleton category so they never collide.
func Categorize(object string) string {
	obj := strings.ToLower(strings.TrimSpace(object))

	for cat, members := range categories {
		for _, m := range members {
			if obj == m {
				return cat
			}
		}
	}

	cats := make([]string, 0, len(categories))
	for cat := range categories {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		for _, m := range categories[cat] {
			if len(m) >= 4 && strings.Contains(obj, m) {
				return cat
			}
		}
	}

	return "other:" + obj
}

type Contradiction struct {
	Superseded Assertion
	Current    Assertion
}

// DetectContradictions pairs decided assertions about different objects
// in the same category. The latest assertion in a category is current;
// every earlier decided assertion about another object is superseded by
// it. Both sides stay recorded, only surfacing changes.
func DetectContradictions(assertions []Assertion) []Contradiction {
	decided := make([]Assertion, 0, len(assertions))
	for _, a := range assertions {
		if a.Status == StatusDecided {
			decided = append(decided, a)
		}
	}

	byCategory := make(map[string][]Assertion)
	for _, a := range decided {
		byCategory[a.Category] = append(byCategory[a.Category], a)
	}

	cats := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	var out []Contradiction
	for _, cat := range cats {
		group := byCategory[cat]
		if len(group) < 2 {
			continue
		}

		sort.Slice(group, func(i, j int) bool {
			return group[i].AssertedAt.Before(group[j].AssertedAt)
		})

		current := group[len(group)-1]
		for _, earlier := range group[:len(group)-1] {
			if strings.EqualFold(earlier.Object, current.Object) {
				continue
			}
			out = append(out, Contradiction{Superseded: earlier, Current: current})
		}
	}

	return out
}
