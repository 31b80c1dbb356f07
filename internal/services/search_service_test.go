package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSearch_RankingAndShape(t *testing.T) {
	s := NewSearchService("")

	results := s.Search("checkpoint melanoma")

	if results.TotalCount == 0 {
		t.Fatal("Expected matches in the built-in corpus")
	}
	if results.Query != "checkpoint melanoma" {
		t.Errorf("Query echoed wrong: %q", results.Query)
	}
	if len(results.Sources) != results.TotalCount {
		t.Errorf("TotalCount %d != sources %d", results.TotalCount, len(results.Sources))
	}

	// Descending score order, best match first.
	for i := 1; i < len(results.Sources); i++ {
		if results.Sources[i].Score > results.Sources[i-1].Score {
			t.Errorf("Sources not sorted by score at index %d", i)
		}
	}
	if !strings.Contains(strings.ToLower(results.Sources[0].Title), "melanoma") {
		t.Errorf("Unexpected top hit: %q", results.Sources[0].Title)
	}
	if results.Summary == "" {
		t.Error("Summary must be synthesized")
	}
}

func TestSearch_NoMatches(t *testing.T) {
	s := NewSearchService("")

	results := s.Search("zygomorphic quasars")

	if results.TotalCount != 0 {
		t.Errorf("Expected no matches, got %d", results.TotalCount)
	}
	if !strings.Contains(results.Summary, "No articles") {
		t.Errorf("Empty result set needs an explanatory summary, got %q", results.Summary)
	}
}

func TestSearch_CachedQueries(t *testing.T) {
	s := NewSearchService("")

	first := s.Search("immunotherapy safety")
	// Same query modulo case and whitespace hits the cache.
	second := s.Search("  Immunotherapy SAFETY ")

	if second.TotalCount != first.TotalCount {
		t.Errorf("Cached lookup diverged: %d vs %d", second.TotalCount, first.TotalCount)
	}
	if second.Summary != first.Summary {
		t.Error("Cached lookup returned a different summary")
	}
	// The cached entry keeps the original query string.
	if second.Query != first.Query {
		t.Errorf("Expected cached query %q, got %q", first.Query, second.Query)
	}
}

func TestSearch_PersistentCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s := NewSearchService("")
	if err := s.EnablePersistentCache(dir); err != nil {
		t.Fatalf("EnablePersistentCache failed: %v", err)
	}
	first := s.Search("checkpoint resistance")
	if first.TotalCount == 0 {
		t.Fatal("Expected matches to persist")
	}

	// A fresh service over the same dir serves the persisted result.
	s2 := NewSearchService("")
	if err := s2.EnablePersistentCache(dir); err != nil {
		t.Fatalf("EnablePersistentCache failed: %v", err)
	}
	second := s2.Search("checkpoint resistance")
	if second.Summary != first.Summary {
		t.Errorf("Persisted result diverged: %q vs %q", second.Summary, first.Summary)
	}
}

func TestSearch_CorpusFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.yaml")
	corpus := `articles:
  - id: custom-1
    title: Gene therapy vectors in hemophilia
    journal: NEJM
    year: 2024
    abstract: AAV-mediated factor IX delivery outcomes.
    keywords: [gene-therapy, hemophilia]
`
	if err := os.WriteFile(path, []byte(corpus), 0o644); err != nil {
		t.Fatalf("Failed to write corpus: %v", err)
	}

	s := NewSearchService(path)
	results := s.Search("hemophilia gene therapy")

	if results.TotalCount != 1 {
		t.Fatalf("Expected 1 match from custom corpus, got %d", results.TotalCount)
	}
	if results.Sources[0].ID != "custom-1" {
		t.Errorf("Expected custom-1, got %s", results.Sources[0].ID)
	}
}

func TestSearch_BadCorpusFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.yaml")
	if err := os.WriteFile(path, []byte("articles: [unterminated"), 0o644); err != nil {
		t.Fatalf("Failed to write corpus: %v", err)
	}

	s := NewSearchService(path)
	results := s.Search("checkpoint")

	if results.TotalCount == 0 {
		t.Error("Expected fallback to the built-in corpus")
	}
}

func TestClassifier_SearchIntents(t *testing.T) {
	k := NewKeywordClassifier()

	cases := []struct {
		prompt   string
		isSearch bool
	}{
		{"search for papers on checkpoint immunotherapy", true},
		{"find recent research about CAR-T", true},
		{"look up studies on PD-L1 biomarkers", true},
		{"Summarize the methodology of these documents", false},
		{"What are the side effects reported here?", false},
		{"", false},
	}

	for _, tc := range cases {
		intent := k.Classify(tc.prompt)
		if intent.IsSearch != tc.isSearch {
			t.Errorf("Classify(%q).IsSearch = %v, want %v (confidence %.2f)",
				tc.prompt, intent.IsSearch, tc.isSearch, intent.Confidence)
		}
	}
}

func TestClassifier_QueryExtraction(t *testing.T) {
	k := NewKeywordClassifier()

	intent := k.Classify("search for papers on checkpoint immunotherapy")
	if !intent.IsSearch {
		t.Fatal("Expected a search intent")
	}
	if intent.Query != "checkpoint immunotherapy" {
		t.Errorf("Trigger phrasing not stripped: %q", intent.Query)
	}
}

func TestClassifier_ThresholdRaised(t *testing.T) {
	k := &KeywordClassifier{Threshold: 0.9}

	// A single weak trigger no longer qualifies.
	intent := k.Classify("the literature review section is unclear")
	if intent.IsSearch {
		t.Errorf("Expected non-search below raised threshold, confidence %.2f", intent.Confidence)
	}
}
