package services

import (
	"context"
	"testing"
	"time"

	"docuchat/internal/models"
	"docuchat/pkg/stream"
)

func TestPushStatusSource_PublishesToDocumentsTopic(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	src := NewPushStatusSource(r)

	conn := r.Register("viewer", []string{DocumentsTopic})
	<-conn.WriteChan

	src.Set(models.DocumentStatus{DocumentID: "doc-1", Status: "processing", Progress: 40})

	select {
	case ev := <-conn.WriteChan:
		if ev.Type != stream.EventDocumentStatus {
			t.Fatalf("Expected document_status, got %s", ev.Type)
		}
		if ev.MessageID != "doc-1" {
			t.Errorf("Expected event keyed by document id, got %s", ev.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("No push event delivered")
	}
}

func TestPushStatusSource_WatchDeliversChangesUntilTerminal(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	src := NewPushStatusSource(r)

	src.Set(models.DocumentStatus{DocumentID: "doc-1", Status: "uploading", Progress: 10})

	got := make(chan models.DocumentStatus, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Watch(context.Background(), "doc-1", func(st models.DocumentStatus) {
			got <- st
		})
	}()

	// Current snapshot delivered first.
	select {
	case st := <-got:
		if st.Status != "uploading" {
			t.Errorf("Expected initial snapshot uploading, got %s", st.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Initial snapshot never delivered")
	}

	src.Set(models.DocumentStatus{DocumentID: "doc-1", Status: "embedding", Progress: 70})
	select {
	case st := <-got:
		if st.Status != "embedding" {
			t.Errorf("Expected embedding, got %s", st.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Change never delivered")
	}

	// Terminal status ends the watch.
	src.Set(models.DocumentStatus{DocumentID: "doc-1", Status: "ready", Progress: 100})
	select {
	case st := <-got:
		if st.Status != "ready" {
			t.Errorf("Expected ready, got %s", st.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Terminal status never delivered")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on terminal status")
	}
}

func TestPushStatusSource_WatchStopsOnContext(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	src := NewPushStatusSource(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Watch(ctx, "doc-absent", func(models.DocumentStatus) {})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on context cancellation")
	}
}

func TestPollingStatusSource_ReportsChanges(t *testing.T) {
	src := NewPollingStatusSource(5 * time.Millisecond)

	src.Set(models.DocumentStatus{DocumentID: "doc-1", Status: "processing", Progress: 30})

	got := make(chan models.DocumentStatus, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Watch(context.Background(), "doc-1", func(st models.DocumentStatus) {
			got <- st
		})
	}()

	select {
	case st := <-got:
		if st.Status != "processing" {
			t.Errorf("Expected processing first, got %s", st.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Initial snapshot never observed")
	}

	src.Set(models.DocumentStatus{DocumentID: "doc-1", Status: "ready", Progress: 100})
	select {
	case st := <-got:
		if st.Status != "ready" {
			t.Errorf("Expected ready, got %s", st.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Poller never observed the change")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on terminal status")
	}
}

func TestPollingStatusSource_GetSetsTimestamp(t *testing.T) {
	src := NewPollingStatusSource(0)

	src.Set(models.DocumentStatus{DocumentID: "doc-1", Status: "uploading"})
	st, ok := src.Get("doc-1")
	if !ok {
		t.Fatal("Expected a stored status")
	}
	if st.UpdatedAt.IsZero() {
		t.Error("Set must stamp UpdatedAt")
	}

	if _, ok := src.Get("missing"); ok {
		t.Error("Unknown document must report absence")
	}
}
