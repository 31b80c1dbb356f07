package services

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"docuchat/pkg/cache"
	"docuchat/pkg/stream"
)

// Intent is the output of the search-intent classifier boundary.
type Intent struct {
	IsSearch   bool
	Query      string
	Confidence float64
}

// IntentClassifier decides whether a prompt is a literature search. The
// keyword classifier below is the default; it is a boundary collaborator,
// not part of the streaming core.
type IntentClassifier interface {
	Classify(prompt string) Intent
}

// corpusArticle is one entry of the article corpus file.
type corpusArticle struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Journal  string   `yaml:"journal"`
	Year     int      `yaml:"year"`
	Abstract string   `yaml:"abstract"`
	Keywords []string `yaml:"keywords"`
}

type corpusFile struct {
	Articles []corpusArticle `yaml:"articles"`
}

// SearchService ranks corpus articles against a query and synthesizes a
// natural-language summary of the result set. Lookups for idempotent
// queries are cached.
type SearchService struct {
	mu       sync.RWMutex
	articles []corpusArticle
	path     string

	results *gocache.Cache

	// Optional write-through layer; warm results survive restarts. Entries
	// are TTL-bounded, so a corpus reload leaves at most one stale window.
	persisted *cache.FileStore[stream.SearchResultsData]
}

const searchCacheTTL = 5 * time.Minute

// NewSearchService loads the corpus from path, falling back to a small
// built-in corpus when the path is empty or unreadable.
func NewSearchService(path string) *SearchService {
	s := &SearchService{
		path:    path,
		results: gocache.New(searchCacheTTL, 10*time.Minute),
	}
	if err := s.reload(); err != nil {
		log.Printf("⚠️ [SEARCH] Corpus load failed (%v), using built-in corpus", err)
		s.mu.Lock()
		s.articles = defaultCorpus()
		s.mu.Unlock()
	}
	return s
}

// EnablePersistentCache backs the result cache with a file store rooted at
// dir.
func (s *SearchService) EnablePersistentCache(dir string) error {
	fs, err := cache.NewFileStore[stream.SearchResultsData](dir, 256, searchCacheTTL)
	if err != nil {
		return err
	}
	s.persisted = fs
	log.Printf("💾 [SEARCH] Persistent result cache enabled at %s", dir)
	return nil
}

// reload replaces the corpus from disk.
func (s *SearchService) reload() error {
	if s.path == "" {
		return fmt.Errorf("no corpus path configured")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	var cf corpusFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return fmt.Errorf("parse corpus: %w", err)
	}
	if len(cf.Articles) == 0 {
		return fmt.Errorf("corpus is empty")
	}

	s.mu.Lock()
	s.articles = cf.Articles
	s.mu.Unlock()
	s.results.Flush()

	log.Printf("📚 [SEARCH] Corpus loaded: %d articles from %s", len(cf.Articles), s.path)
	return nil
}

// Watch hot-reloads the corpus when the file changes. Returns a stop
// function.
func (s *SearchService) Watch() (func(), error) {
	if s.path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.reload(); err != nil {
						log.Printf("⚠️ [SEARCH] Corpus reload failed: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [SEARCH] Corpus watcher error: %v", err)
			}
		}
	}()

	log.Printf("👀 [SEARCH] Watching corpus file %s for changes", s.path)
	return func() { watcher.Close() }, nil
}

// Search ranks the corpus against the query and returns the full result set
// plus a synthesized summary. Equivalent queries hit the result cache.
func (s *SearchService) Search(query string) stream.SearchResultsData {
	key := cache.Key("search", map[string]string{"q": strings.ToLower(strings.TrimSpace(query))})
	if hit, found := s.results.Get(key); found {
		if data, ok := hit.(stream.SearchResultsData); ok {
			if m := GetMetrics(); m != nil {
				m.RecordCacheLookup("hit")
			}
			return data
		}
	}
	if s.persisted != nil {
		if data, ok := s.persisted.Get(key); ok {
			if m := GetMetrics(); m != nil {
				m.RecordCacheLookup("hit")
			}
			s.results.Set(key, data, gocache.DefaultExpiration)
			return data
		}
	}
	if m := GetMetrics(); m != nil {
		m.RecordCacheLookup("miss")
	}

	terms := tokenize(query)

	s.mu.RLock()
	articles := s.articles
	s.mu.RUnlock()

	var sources []stream.Source
	for _, a := range articles {
		score := scoreArticle(a, terms)
		if score <= 0 {
			continue
		}
		sources = append(sources, stream.Source{
			ID:      a.ID,
			Title:   a.Title,
			Journal: a.Journal,
			Year:    a.Year,
			Snippet: snippet(a.Abstract),
			Score:   score,
		})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Score > sources[j].Score })
	if len(sources) > 10 {
		sources = sources[:10]
	}

	data := stream.SearchResultsData{
		Sources:    sources,
		Summary:    summarize(query, sources),
		Query:      query,
		TotalCount: len(sources),
	}
	s.results.Set(key, data, gocache.DefaultExpiration)
	if s.persisted != nil {
		s.persisted.Set(key, data)
	}
	return data
}

// scoreArticle counts weighted term overlap across title, keywords and
// abstract.
func scoreArticle(a corpusArticle, terms []string) float64 {
	title := strings.ToLower(a.Title)
	abstract := strings.ToLower(a.Abstract)
	keywords := strings.ToLower(strings.Join(a.Keywords, " "))

	var score float64
	for _, t := range terms {
		if strings.Contains(title, t) {
			score += 3
		}
		if strings.Contains(keywords, t) {
			score += 2
		}
		if strings.Contains(abstract, t) {
			score += 1
		}
	}
	return score
}

func snippet(abstract string) string {
	if len(abstract) <= 180 {
		return abstract
	}
	return abstract[:180] + "…"
}

// summarize synthesizes the natural-language summary streamed back as
// tokens after the search_results event.
func summarize(query string, sources []stream.Source) string {
	if len(sources) == 0 {
		return fmt.Sprintf("No articles in the current corpus matched \"%s\". Try broadening the query or uploading related documents.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d articles relevant to \"%s\". ", len(sources), query)
	top := sources[0]
	fmt.Fprintf(&b, "The strongest match is \"%s\"", top.Title)
	if top.Journal != "" && top.Year > 0 {
		fmt.Fprintf(&b, " (%s, %d)", top.Journal, top.Year)
	}
	b.WriteString(". ")
	if len(sources) > 1 {
		fmt.Fprintf(&b, "Other notable results include \"%s\"", sources[1].Title)
		if len(sources) > 2 {
			fmt.Fprintf(&b, " and \"%s\"", sources[2].Title)
		}
		b.WriteString(". ")
	}
	b.WriteString("Open any source card for the full abstract and citation details.")
	return b.String()
}

// --- keyword intent classifier -------------------------------------------

// searchTriggers mark a prompt as a literature search rather than a
// document question.
var searchTriggers = []string{
	"search", "find", "look up", "lookup", "papers on", "articles on",
	"articles about", "literature", "studies on", "publications",
	"recent research", "what research",
}

// KeywordClassifier is the default search-intent classifier: trigger-phrase
// matching with a confidence proportional to trigger strength.
type KeywordClassifier struct {
	// Threshold below which a prompt is not treated as a search.
	Threshold float64
}

// NewKeywordClassifier returns a classifier with the default 0.5 threshold.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{Threshold: 0.5}
}

// Classify inspects the prompt for search trigger phrases.
func (k *KeywordClassifier) Classify(prompt string) Intent {
	lower := strings.ToLower(prompt)

	confidence := 0.0
	for _, trigger := range searchTriggers {
		if strings.Contains(lower, trigger) {
			confidence += 0.4
		}
	}
	if strings.HasPrefix(lower, "search") || strings.HasPrefix(lower, "find") {
		confidence += 0.3
	}
	if confidence > 1 {
		confidence = 1
	}

	return Intent{
		IsSearch:   confidence >= k.Threshold,
		Query:      extractQuery(prompt),
		Confidence: confidence,
	}
}

// extractQuery strips trigger phrasing so ranking sees only the subject.
func extractQuery(prompt string) string {
	q := strings.TrimSpace(prompt)
	lower := strings.ToLower(q)
	for _, prefix := range []string{
		"search for", "search", "find me", "find", "look up",
		"papers on", "articles on", "articles about", "studies on",
	} {
		if strings.HasPrefix(lower, prefix) {
			q = strings.TrimSpace(q[len(prefix):])
			lower = strings.ToLower(q)
		}
	}
	return q
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// defaultCorpus is the built-in demo corpus used when no corpus file is
// configured.
func defaultCorpus() []corpusArticle {
	return []corpusArticle{
		{
			ID: "art-001", Title: "Checkpoint inhibition in advanced melanoma: a five-year follow-up",
			Journal: "Journal of Clinical Oncology", Year: 2023,
			Abstract: "Long-term outcomes of PD-1 blockade in advanced melanoma, including durable response rates and immune-related adverse events across a multi-center cohort.",
			Keywords: []string{"cancer", "immunotherapy", "checkpoint", "melanoma", "pd-1"},
		},
		{
			ID: "art-002", Title: "CAR-T cell therapy in relapsed B-cell lymphoma",
			Journal: "Blood", Year: 2022,
			Abstract: "Efficacy and cytokine release syndrome management for anti-CD19 CAR-T therapy in relapsed or refractory B-cell lymphoma.",
			Keywords: []string{"cancer", "immunotherapy", "car-t", "lymphoma"},
		},
		{
			ID: "art-003", Title: "Mechanisms of resistance to immune checkpoint blockade",
			Journal: "Nature Reviews Cancer", Year: 2023,
			Abstract: "A review of tumor-intrinsic and microenvironmental mechanisms underlying primary and acquired resistance to checkpoint inhibitors.",
			Keywords: []string{"cancer", "immunotherapy", "resistance", "checkpoint"},
		},
		{
			ID: "art-004", Title: "Biomarkers predicting response to PD-L1 inhibitors in NSCLC",
			Journal: "The Lancet Oncology", Year: 2024,
			Abstract: "Tumor mutational burden and PD-L1 expression as complementary predictors of response in non-small-cell lung cancer immunotherapy.",
			Keywords: []string{"cancer", "immunotherapy", "biomarkers", "nsclc", "pd-l1"},
		},
		{
			ID: "art-005", Title: "Safety profile of combination immunotherapy regimens",
			Journal: "JAMA Oncology", Year: 2023,
			Abstract: "Pooled safety analysis of anti-PD-1 plus anti-CTLA-4 combinations, with incidence and management of grade 3-4 immune-related toxicity.",
			Keywords: []string{"cancer", "immunotherapy", "safety", "combination"},
		},
	}
}
