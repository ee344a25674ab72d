package provider

import (
	"context"
	"errors"
	"io"
	"sync"

	"llm-relay/internal/models"
	"llm-relay/internal/transport"
)

const streamBuffer = 16

var errTerminalEmitted = errors.New("stream already emitted its terminal chunk")

// Emit hands one chunk to the consumer. It blocks while the buffer is full
// and fails once the stream is closed.
type Emit func(models.StreamChunk) error

// Producer reads the upstream and emits normalized chunks.
type Producer func(ctx context.Context, emit Emit) error

type streamItem struct {
	chunk models.StreamChunk
	err   error
}

// Stream is a pull-based sequence of chunks fed by a producer goroutine
// through a bounded channel.
type Stream struct {
	items     chan streamItem
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      bool
}

// NewStream starts produce in the background. cancel must abort the
// upstream call; it is invoked when the producer returns or the consumer
// closes the stream. A producer that returns without a terminal chunk
// surfaces a NETWORK_ERROR.
func NewStream(ctx context.Context, cancel context.CancelFunc, providerName string, produce Producer) *Stream {
	s := &Stream{
		items:  make(chan streamItem, streamBuffer),
		cancel: cancel,
	}

	go func() {
		defer close(s.items)
		defer cancel()

		terminal := false
		emit := func(chunk models.StreamChunk) error {
			if terminal {
				return errTerminalEmitted
			}
			select {
			case s.items <- streamItem{chunk: chunk}:
				terminal = chunk.Terminal()
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := produce(ctx, emit)
		if err == nil && !terminal {
			err = models.NewProviderError(providerName, models.ErrNetwork, 0, "stream ended without a finish reason")
		}
		if err != nil && !terminal {
			select {
			case s.items <- streamItem{err: transport.ClassifyError(providerName, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return s
}

// Recv returns the next chunk. It returns io.EOF after the terminal chunk
// has been delivered, or the producer's error.
func (s *Stream) Recv() (models.StreamChunk, error) {
	if s.done {
		return models.StreamChunk{}, io.EOF
	}
	item, ok := <-s.items
	if !ok {
		s.done = true
		return models.StreamChunk{}, io.EOF
	}
	if item.err != nil {
		s.done = true
		return models.StreamChunk{}, item.err
	}
	if item.chunk.Terminal() {
		s.done = true
	}
	return item.chunk, nil
}

// Close aborts the upstream read and releases the producer.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.items {
		}
	})
}
