package stream

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerReassemblesTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, mustEvent(t, EventStatus, StatusData{Status: "searching", Message: "looking"}, "c1"))
		writeEvent(t, w, mustEvent(t, EventSearchResults, SearchResultsData{
			Sources:    []Source{{ID: "art-001", Title: "Checkpoint inhibition", Score: 5}},
			Summary:    "Found 1 article.",
			Query:      "checkpoint",
			TotalCount: 1,
		}, "c1"))
		for _, tok := range []string{"Found ", "1 ", "article."} {
			writeEvent(t, w, mustEvent(t, EventToken, tok, "c1"))
		}
		writeEvent(t, w, mustEvent(t, EventComplete, nil, "c1"))
	}))
	defer srv.Close()

	consumer := NewConsumer(NewTransport(WithEngine(fastEngine(3))))

	var mu sync.Mutex
	var statuses []StatusData
	var tokens []string
	var results []SearchResultsData
	done := make(chan string, 1)

	consumer.Start("c1", Request{URL: srv.URL, Mode: ModeChunked}, ConsumerHandlers{
		OnStatus: func(d StatusData) {
			mu.Lock()
			statuses = append(statuses, d)
			mu.Unlock()
		},
		OnToken: func(fragment string) {
			mu.Lock()
			tokens = append(tokens, fragment)
			mu.Unlock()
		},
		OnSearchResults: func(d SearchResultsData) {
			mu.Lock()
			results = append(results, d)
			mu.Unlock()
		},
		OnComplete: func(transcript string) { done <- transcript },
	})

	select {
	case transcript := <-done:
		assert.Equal(t, "Found 1 article.", transcript)
	case <-time.After(5 * time.Second):
		t.Fatal("stream never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 1)
	assert.Equal(t, "searching", statuses[0].Status)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].TotalCount)
	assert.Equal(t, []string{"Found ", "1 ", "article."}, tokens)

	// Transcript dropped after the terminal callback.
	assert.Equal(t, "", consumer.Transcript("c1"))
}

func TestConsumerErrorKeepsPartialTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, mustEvent(t, EventToken, "partial ", "c2"))
		writeEvent(t, w, mustEvent(t, EventToken, "answer", "c2"))
		writeEvent(t, w, mustEvent(t, EventError, "generation failed", "c2"))
	}))
	defer srv.Close()

	consumer := NewConsumer(NewTransport(WithEngine(fastEngine(3))))

	type failure struct{ message, partial string }
	done := make(chan failure, 1)

	consumer.Start("c2", Request{URL: srv.URL, Mode: ModeChunked}, ConsumerHandlers{
		OnError: func(message, partialTranscript string) {
			done <- failure{message, partialTranscript}
		},
	})

	select {
	case f := <-done:
		assert.Equal(t, "generation failed", f.message)
		assert.Equal(t, "partial answer", f.partial, "tokens before the error are preserved")
	case <-time.After(5 * time.Second):
		t.Fatal("stream never errored")
	}
}

func TestConsumerArtefactDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, mustEvent(t, EventArtefact, Artefact{
			ID: "a1", Type: "moa", Title: "Mechanism of Action", Status: "ready",
			Bullets: []string{"one", "two"},
		}, "c3"))
		writeEvent(t, w, mustEvent(t, EventComplete, nil, "c3"))
	}))
	defer srv.Close()

	consumer := NewConsumer(NewTransport(WithEngine(fastEngine(3))))

	artefacts := make(chan Artefact, 1)
	done := make(chan struct{})

	consumer.Start("c3", Request{URL: srv.URL, Mode: ModeChunked}, ConsumerHandlers{
		OnArtefact: func(a Artefact) { artefacts <- a },
		OnComplete: func(string) { close(done) },
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never completed")
	}

	select {
	case a := <-artefacts:
		assert.Equal(t, "moa", a.Type)
		assert.Equal(t, "ready", a.Status)
		assert.Len(t, a.Bullets, 2)
	default:
		t.Fatal("artefact never dispatched")
	}
}
