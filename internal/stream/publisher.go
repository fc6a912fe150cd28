// Package stream delivers incremental agent output to whoever is watching a
// chat session. Publishers are fire-and-forget from the caller's point of
// view: delivery failures are logged by the implementations, and the
// orchestration path decides whether to surface them.
package stream

import (
	"context"
	"sync"

	"github.com/lakecraft/lakeagent/pkg/models"
)

// Chunk is one ordered slice of streamed text for a session. Index ordering
// is per segment; a new segment starts at 0.
type Chunk struct {
	SessionID string `json:"chatSessionId"`
	Index     int    `json:"index"`
	Text      string `json:"chunkText"`
}

// Publisher delivers chunks and completed messages.
type Publisher interface {
	// PublishChunk sends one streamed text slice.
	PublishChunk(ctx context.Context, chunk Chunk) error
	// PublishMessage sends a completed message (assistant or tool).
	PublishMessage(ctx context.Context, msg *models.Message) error
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) PublishChunk(context.Context, Chunk) error             { return nil }
func (NopPublisher) PublishMessage(context.Context, *models.Message) error { return nil }

// ChanPublisher exposes published items on channels, for tests and
// embedders that consume the stream in-process.
type ChanPublisher struct {
	chunks   chan Chunk
	messages chan *models.Message
}

// NewChanPublisher builds a ChanPublisher with the given buffer size.
func NewChanPublisher(buffer int) *ChanPublisher {
	return &ChanPublisher{
		chunks:   make(chan Chunk, buffer),
		messages: make(chan *models.Message, buffer),
	}
}

func (p *ChanPublisher) Chunks() <-chan Chunk             { return p.chunks }
func (p *ChanPublisher) Messages() <-chan *models.Message { return p.messages }

func (p *ChanPublisher) PublishChunk(ctx context.Context, chunk Chunk) error {
	select {
	case p.chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ChanPublisher) PublishMessage(ctx context.Context, msg *models.Message) error {
	select {
	case p.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiPublisher fans out to several publishers. The first error is
// returned after all publishers have been attempted.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) PublishChunk(ctx context.Context, chunk Chunk) error {
	var first error
	for _, pub := range p.publishers {
		if err := pub.PublishChunk(ctx, chunk); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *MultiPublisher) PublishMessage(ctx context.Context, msg *models.Message) error {
	var first error
	for _, pub := range p.publishers {
		if err := pub.PublishMessage(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Segment tracks the chunk index for one stretch of streamed output. The
// index increments per chunk and resets when the surrounding message
// completes. Send never returns an error; failures are logged by the
// underlying publisher and the stream carries on.
type Segment struct {
	mu        sync.Mutex
	sessionID string
	index     int
	pub       Publisher
}

// NewSegment starts a segment at index 0.
func NewSegment(sessionID string, pub Publisher) *Segment {
	return &Segment{sessionID: sessionID, pub: pub}
}

// Send publishes text at the current index and advances it.
func (s *Segment) Send(ctx context.Context, text string) {
	s.mu.Lock()
	idx := s.index
	s.index++
	s.mu.Unlock()
	_ = s.pub.PublishChunk(ctx, Chunk{SessionID: s.sessionID, Index: idx, Text: text})
}

// Reset returns the index to 0 for the next segment.
func (s *Segment) Reset() {
	s.mu.Lock()
	s.index = 0
	s.mu.Unlock()
}

// Index reports the next index to be assigned.
func (s *Segment) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}
