// Package intent classifies incoming queries so the orchestrator can route
// cheap smalltalk away from the full reasoning pipeline.
package intent

import "strings"

// Intent labels, ordered roughly by the work they trigger downstream.
const (
	Greeting          = "greeting"
	Casual            = "casual"
	BusinessSimple    = "business_simple"
	BusinessComplex   = "business_complex"
	BusinessStrategic = "business_strategic"
	DevaiCode         = "devai_code"
)

var validIntents = map[string]struct{}{
	Greeting:          {},
	Casual:            {},
	BusinessSimple:    {},
	BusinessComplex:   {},
	BusinessStrategic: {},
	DevaiCode:         {},
}

// Valid reports whether a label is a known intent.
func Valid(label string) bool {
	_, ok := validIntents[label]
	return ok
}

// Greetings, English and Indonesian. Matched against the whole message.
var greetingPhrases = map[string]bool{
	"hi": true, "hello": true, "hey": true,
	"good morning": true, "good afternoon": true, "good evening": true,
	"halo": true, "hai": true,
	"selamat pagi": true, "selamat siang": true, "selamat sore": true,
	"selamat malam": true,
}

// Smalltalk markers with no business question behind them.
var casualMarkers = []string{
	"how are you", "how is it going", "how's it going", "apa kabar",
	"thank you", "thanks", "terima kasih", "makasih",
	"bye", "goodbye", "see you", "sampai jumpa",
	"nice weather", "weather", "cuaca",
	"nice to meet", "have a good", "no problem", "you're welcome",
}

// Technical markers that route to the developer assistant profile.
var codeMarkers = []string{
	"code", "coding", "api", "endpoint", "sdk", "golang", "python",
	"javascript", "typescript", "bug", "stack trace", "stacktrace",
	"compile", "function", "deploy", "deployment", "docker", "kubernetes",
	"database schema", "sql query", "repository", "git", "json", "yaml",
	"refactor", "unit test",
}

// Markers for long-horizon planning questions.
var strategicMarkers = []string{
	"strategy", "strategic", "strategi", "expansion", "expand", "ekspansi",
	"market entry", "roadmap", "long term", "long-term", "jangka panjang",
	"business plan", "five year", "5 year", "scale up", "scaling",
	"acquisition", "merger", "restructure", "restructuring", "portfolio",
}

// Domain markers: a query touching these is a business question.
var businessMarkers = []string{
	"kitas", "kitap", "visa", "voa", "passport", "paspor", "immigration",
	"imigrasi", "npwp", "pajak", "tax", "spt", "pph", "ppn", "permit",
	"imta", "rptka", "pt pma", "pma", "company", "perusahaan",
	"director", "direktur", "shareholder", "oss", "nib", "bpjs", "sponsor",
	"work permit", "business license", "izin", "investment", "investasi",
	"incorporate", "notary", "notaris",
}

// Markers that disqualify a business question from the single-lookup path.
var complexMarkers = []string{
	"compare", "versus", " vs ", "calculate", "bandingkan", "step by step",
	"procedure", "process", "prosedur", "my situation", "should i",
	"options", "pros and cons", "requirements and",
}

// Leads of single-lookup questions.
var simpleLeads = []string{
	"what is", "what's", "what are", "how much", "how long", "how many",
	"when", "where", "who", "is there", "do i need",
	"apa itu", "berapa", "kapan", "di mana", "dimana", "apakah",
}

const simpleMaxWords = 12

// Classifier labels queries with lexicon heuristics only; classification
// never spends a model call or leaves the process. Misclassification toward
// the heavier path is acceptable; misclassification toward the lighter one
// is not, so anything unrecognized resolves to business_complex.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify returns the intent label for a query.
func (c *Classifier) Classify(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if greetingPhrases[strings.TrimRight(normalized, "!.?, ")] {
		return Greeting
	}

	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	}) {
		words[w] = true
	}

	switch {
	case matchAny(normalized, words, codeMarkers):
		return DevaiCode
	case matchAny(normalized, words, strategicMarkers):
		return BusinessStrategic
	case matchAny(normalized, words, businessMarkers):
		if isSimpleLookup(normalized, words) {
			return BusinessSimple
		}
		return BusinessComplex
	case matchAny(normalized, words, casualMarkers):
		return Casual
	}
	return BusinessComplex
}

// isSimpleLookup accepts only short single questions with a lookup-shaped
// lead; everything else stays on the heavier path.
func isSimpleLookup(normalized string, words map[string]bool) bool {
	if len(strings.Fields(normalized)) > simpleMaxWords {
		return false
	}
	if strings.Count(normalized, "?") > 1 {
		return false
	}
	if matchAny(normalized, words, complexMarkers) {
		return false
	}
	for _, lead := range simpleLeads {
		if strings.HasPrefix(normalized, lead) {
			return true
		}
	}
	return false
}

// matchAny matches single-word markers on word boundaries and multi-word
// markers as substrings, so "hi" never fires inside "shipping".
func matchAny(normalized string, words map[string]bool, markers []string) bool {
	for _, m := range markers {
		if strings.ContainsAny(m, " -") {
			if strings.Contains(normalized, m) {
				return true
			}
			continue
		}
		if words[m] {
			return true
		}
	}
	return false
}
