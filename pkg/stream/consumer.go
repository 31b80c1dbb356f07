package stream

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ConsumerHandlers are the typed callbacks a consumer dispatches decoded
// events to. Terminal callbacks receive the transcript reassembled from the
// token fragments received so far, in arrival order.
type ConsumerHandlers struct {
	OnStatus        func(StatusData)
	OnToken         func(fragment string)
	OnArtefact      func(Artefact)
	OnSearchResults func(SearchResultsData)
	OnComplete      func(transcript string)
	OnError         func(message, partialTranscript string)
	OnRetry         func(attempt int)
}

// Consumer reconstructs typed events from a transport stream and keeps the
// running transcript per stream. A stream that ends in error yields the
// tokens emitted before the error — partial output is preserved, not rolled
// back.
type Consumer struct {
	transport *Transport
	log       *logrus.Logger

	mu          sync.Mutex
	transcripts map[string]*strings.Builder
}

// NewConsumer creates a consumer on top of a transport.
func NewConsumer(transport *Transport) *Consumer {
	return &Consumer{
		transport:   transport,
		log:         logrus.StandardLogger(),
		transcripts: make(map[string]*strings.Builder),
	}
}

// Start opens the stream and dispatches its events to the typed handlers.
func (c *Consumer) Start(streamID string, req Request, h ConsumerHandlers) {
	c.mu.Lock()
	c.transcripts[streamID] = &strings.Builder{}
	c.mu.Unlock()

	c.transport.Start(streamID, req, Handlers{
		OnData: func(ev Event) {
			c.dispatch(streamID, ev, h)
		},
		OnComplete: func() {
			if h.OnComplete != nil {
				h.OnComplete(c.Transcript(streamID))
			}
			c.drop(streamID)
		},
		OnError: func(msg string) {
			if h.OnError != nil {
				h.OnError(msg, c.Transcript(streamID))
			}
			c.drop(streamID)
		},
		OnRetry: h.OnRetry,
	})
}

// Cancel aborts the stream and discards its transcript.
func (c *Consumer) Cancel(streamID string) {
	c.transport.Cancel(streamID)
	c.drop(streamID)
}

// Transcript returns the concatenation of token fragments received so far.
func (c *Consumer) Transcript(streamID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.transcripts[streamID]; ok {
		return b.String()
	}
	return ""
}

func (c *Consumer) drop(streamID string) {
	c.mu.Lock()
	delete(c.transcripts, streamID)
	c.mu.Unlock()
}

func (c *Consumer) dispatch(streamID string, ev Event, h ConsumerHandlers) {
	switch ev.Type {
	case EventToken:
		fragment, err := ev.Token()
		if err != nil {
			c.log.WithError(err).Warn("skipping malformed token payload")
			return
		}
		c.mu.Lock()
		if b, ok := c.transcripts[streamID]; ok {
			b.WriteString(fragment)
		}
		c.mu.Unlock()
		if h.OnToken != nil {
			h.OnToken(fragment)
		}
	case EventStatus:
		d, err := ev.Status()
		if err != nil {
			c.log.WithError(err).Warn("skipping malformed status payload")
			return
		}
		if h.OnStatus != nil {
			h.OnStatus(d)
		}
	case EventArtefact:
		a, err := ev.Artefact()
		if err != nil {
			c.log.WithError(err).Warn("skipping malformed artefact payload")
			return
		}
		if h.OnArtefact != nil {
			h.OnArtefact(a)
		}
	case EventSearchResults:
		d, err := ev.SearchResults()
		if err != nil {
			c.log.WithError(err).Warn("skipping malformed search_results payload")
			return
		}
		if h.OnSearchResults != nil {
			h.OnSearchResults(d)
		}
	case EventComplete, EventError:
		// Routed through the transport's OnComplete/OnError callbacks.
	case EventHeartbeat, EventSystemStatus:
		// Push-channel housekeeping, nothing to dispatch.
	default:
		c.log.WithField("type", ev.Type).Debug("ignoring unknown event type")
	}
}
