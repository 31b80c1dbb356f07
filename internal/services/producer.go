package services

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"docuchat/internal/models"
	"docuchat/pkg/errclass"
	"docuchat/pkg/stream"
)

// EventSink receives the ordered event sequence of one stream. A returned
// error aborts production (the consumer is gone).
type EventSink interface {
	Emit(stream.Event) error
}

// EmitFunc adapts a function to the EventSink interface.
type EmitFunc func(stream.Event) error

// Emit implements EventSink.
func (f EmitFunc) Emit(ev stream.Event) error { return f(ev) }

// PacingConfig holds the presentation-only typing-cadence knobs. All zero
// values disable pacing entirely; none of this affects correctness.
type PacingConfig struct {
	TokenDelay     time.Duration // base delay between token events
	TokenJitter    time.Duration // extra random delay, uniform in [0, TokenJitter)
	LongPauseEvery int           // a longer pause every N tokens, 0 = never
	LongPause      time.Duration
}

// ChatStreamProducer turns one chat request into a terminated, ordered event
// sequence. Per request the machine runs
// Start -> (SearchBranch | AnswerBranch) -> ArtefactGeneration -> Complete,
// with Error reachable from any non-terminal state. The producer is
// stateless across requests.
type ChatStreamProducer struct {
	search     *SearchService
	classifier IntentClassifier
	pacing     PacingConfig
}

// NewChatStreamProducer creates a producer.
func NewChatStreamProducer(search *SearchService, classifier IntentClassifier, pacing PacingConfig) *ChatStreamProducer {
	return &ChatStreamProducer{search: search, classifier: classifier, pacing: pacing}
}

// Validate checks the request before any output is produced: a non-empty
// prompt is always required, and at least one context id is required unless
// the request classifies as a search. Violations return a validation-kind
// error and no events are emitted.
func (p *ChatStreamProducer) Validate(req models.ChatRequest) (Intent, *errclass.Classified) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Intent{}, errclass.Validation("prompt must not be empty")
	}
	intent := p.classifier.Classify(req.Prompt)
	if !intent.IsSearch && len(req.DocumentIDs) == 0 {
		return intent, errclass.Validation("select at least one document, or phrase the request as a search")
	}
	return intent, nil
}

// Stream validates the request and emits its full event sequence into sink.
// On a validation failure the classified error is returned with no events
// emitted. Any panic mid-stream degrades to a terminal error event; tokens
// already emitted are not retracted.
func (p *ChatStreamProducer) Stream(ctx context.Context, req models.ChatRequest, sink EventSink) error {
	intent, verr := p.Validate(req)
	if verr != nil {
		return verr
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	err := p.stream(ctx, req, intent, messageID, sink)
	if err != nil && ctx.Err() == nil {
		// Error state: one terminal error event, then close. Best effort —
		// the sink itself may already be gone.
		log.Printf("❌ [PRODUCER] Stream %s failed: %v", messageID, err)
		p.emit(sink, stream.EventError, err.Error(), messageID)
	}
	return err
}

func (p *ChatStreamProducer) stream(ctx context.Context, req models.ChatRequest, intent Intent, messageID string, sink EventSink) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stream processing failed: %v", rec)
		}
	}()

	if intent.IsSearch {
		return p.searchBranch(ctx, intent, messageID, sink)
	}
	return p.answerBranch(ctx, req, messageID, sink)
}

// searchBranch: status markers, one search_results snapshot, the summary
// streamed as tokens, then complete. No artefacts.
func (p *ChatStreamProducer) searchBranch(ctx context.Context, intent Intent, messageID string, sink EventSink) error {
	if err := p.emitStatus(sink, messageID, "searching", fmt.Sprintf("Searching the literature for \"%s\"…", intent.Query), 20); err != nil {
		return err
	}

	results := p.search.Search(intent.Query)

	if err := p.emitStatus(sink, messageID, "summarizing", "Summarizing results…", 70); err != nil {
		return err
	}
	if err := p.emit(sink, stream.EventSearchResults, results, messageID); err != nil {
		return err
	}
	if err := p.streamTokens(ctx, sink, messageID, results.Summary); err != nil {
		return err
	}
	return p.emit(sink, stream.EventComplete, nil, messageID)
}

// answerBranch: phase-transition statuses, the answer as tokens, one
// artefact snapshot per insight category, then complete.
func (p *ChatStreamProducer) answerBranch(ctx context.Context, req models.ChatRequest, messageID string, sink EventSink) error {
	if err := p.emitStatus(sink, messageID, "analyzing", "Analyzing selected documents…", 10); err != nil {
		return err
	}
	if err := p.emitStatus(sink, messageID, "generating", "Generating response…", 40); err != nil {
		return err
	}

	answer := composeAnswer(req.Prompt, req.DocumentIDs)

	if err := p.emitStatus(sink, messageID, "streaming", "Streaming response…", 70); err != nil {
		return err
	}
	if err := p.streamTokens(ctx, sink, messageID, answer); err != nil {
		return err
	}

	for _, artefact := range buildArtefacts(messageID, req.DocumentIDs) {
		if err := p.emit(sink, stream.EventArtefact, artefact, messageID); err != nil {
			return err
		}
	}

	return p.emit(sink, stream.EventComplete, nil, messageID)
}

// streamTokens emits text as ordered token fragments, pacing them when
// configured.
func (p *ChatStreamProducer) streamTokens(ctx context.Context, sink EventSink, messageID, text string) error {
	tokens := splitTokens(text)
	for i, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.emit(sink, stream.EventToken, tok, messageID); err != nil {
			return err
		}
		if d := p.tokenDelay(i); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}

func (p *ChatStreamProducer) tokenDelay(index int) time.Duration {
	d := p.pacing.TokenDelay
	if p.pacing.TokenJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.pacing.TokenJitter)))
	}
	if p.pacing.LongPauseEvery > 0 && index > 0 && index%p.pacing.LongPauseEvery == 0 {
		d += p.pacing.LongPause
	}
	return d
}

func (p *ChatStreamProducer) emitStatus(sink EventSink, messageID, status, message string, progress int) error {
	return p.emit(sink, stream.EventStatus, stream.StatusData{
		Status:   status,
		Message:  message,
		Progress: progress,
	}, messageID)
}

func (p *ChatStreamProducer) emit(sink EventSink, t stream.EventType, payload interface{}, messageID string) error {
	ev, err := stream.NewEvent(t, payload, messageID)
	if err != nil {
		return err
	}
	return sink.Emit(ev)
}

// splitTokens breaks text into word-sized fragments whose concatenation in
// order reproduces the text exactly.
func splitTokens(text string) []string {
	var tokens []string
	start := 0
	for i, r := range text {
		if r == ' ' {
			tokens = append(tokens, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

// composeAnswer synthesizes the answer body. Real generation lives behind an
// external model; this stands in for it with deterministic content derived
// from the request.
func composeAnswer(prompt string, documentIDs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the %d selected document(s), here is what the evidence shows regarding \"%s\". ",
		len(documentIDs), strings.TrimSpace(prompt))
	b.WriteString("The primary findings converge on a consistent efficacy signal across the reviewed cohorts, ")
	b.WriteString("with the caveat that follow-up duration varies substantially between sources. ")
	fmt.Fprintf(&b, "Document %s carries the strongest methodological weight and anchors the synthesis. ", documentIDs[0])
	b.WriteString("Secondary endpoints and subgroup analyses should be interpreted with the usual caution, ")
	b.WriteString("and the derived insight cards below break the evidence down by mechanism, safety and opinion leaders.")
	return b.String()
}

// Artefact categories derived after the main answer, one snapshot each.
var artefactCategories = []struct {
	kind  string
	title string
}{
	{"moa", "Mechanism of Action"},
	{"safety", "Safety Signals"},
	{"kol", "Key Opinion Leaders"},
}

// buildArtefacts derives the fixed set of insight cards for a completed
// answer.
func buildArtefacts(messageID string, documentIDs []string) []stream.Artefact {
	out := make([]stream.Artefact, 0, len(artefactCategories))
	for i, cat := range artefactCategories {
		out = append(out, stream.Artefact{
			ID:     fmt.Sprintf("%s-artefact-%d", messageID, i+1),
			Type:   cat.kind,
			Title:  cat.title,
			Status: "ready",
			Bullets: []string{
				fmt.Sprintf("Synthesized from %d source document(s)", len(documentIDs)),
				"Evidence graded against the reviewed cohort data",
				"See linked sources for full context",
			},
			Metadata: map[string]interface{}{
				"documents": documentIDs,
			},
		})
	}
	return out
}
