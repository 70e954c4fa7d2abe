package agent

import (
	"context"
	"strings"
	"time"

	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

// DefaultIdleTimeout is used whenever a caller-supplied idle timeout is
// non-positive (SPEC_FULL.md §4.3's value normalization rule covers zero,
// negative, and non-finite durations, which in Go collapse to "<= 0").
const DefaultIdleTimeout = 3 * time.Minute

// NormalizeIdleTimeout replaces any non-positive duration with
// DefaultIdleTimeout.
func NormalizeIdleTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultIdleTimeout
	}
	return d
}

// StreamConsumer reads incremental CompletionChunks one at a time and owns
// the idle-timeout watchdog described in SPEC_FULL.md §4.4: a single
// deadline rearmed on every chunk, racing the chunk producer inside a
// pull-based `select`, matching §9's "streaming as pull-based iterator"
// design note.
type StreamConsumer struct {
	idleTimeout time.Duration

	onDelta    func(delta string)
	onThinking func(delta string)
	onToolCall func(tc models.ToolCall)
}

// NewStreamConsumer returns a consumer with the given idle timeout
// (normalized via NormalizeIdleTimeout).
func NewStreamConsumer(idleTimeout time.Duration) *StreamConsumer {
	return &StreamConsumer{idleTimeout: NormalizeIdleTimeout(idleTimeout)}
}

// OnDelta registers a callback invoked for every non-empty text fragment.
func (c *StreamConsumer) OnDelta(fn func(string)) { c.onDelta = fn }

// OnThinking registers a callback invoked for every non-empty reasoning fragment.
func (c *StreamConsumer) OnThinking(fn func(string)) { c.onThinking = fn }

// OnToolCall registers a callback invoked when a complete tool call arrives.
func (c *StreamConsumer) OnToolCall(fn func(models.ToolCall)) { c.onToolCall = fn }

// Consume pulls from completion until it closes, a chunk carries a
// terminal error, or the idle watchdog fires. cancel is invoked exactly
// once, only if the watchdog fires, to signal the provider to stop
// producing; the caller (Runner) is expected to have derived completion's
// context from the same cancel so the producer observably stops.
//
// Edge rules (§4.4): any chunk, including a usage-only one, counts as
// activity and rearms the deadline; a normal channel close disarms the
// timer without error; an externally cancelled ctx is checked first and
// wins over a simultaneously-firing idle timer.
func (c *StreamConsumer) Consume(ctx context.Context, completion <-chan *CompletionChunk, cancel context.CancelFunc) (text string, thinking string, toolCalls []models.ToolCall, err error) {
	timer := time.NewTimer(c.idleTimeout)
	defer timer.Stop()

	var textBuilder, thinkingBuilder strings.Builder

	for {
		select {
		case <-ctx.Done():
			return textBuilder.String(), thinkingBuilder.String(), toolCalls, ctx.Err()

		case <-timer.C:
			if cancel != nil {
				cancel()
			}
			return textBuilder.String(), thinkingBuilder.String(), toolCalls,
				NewFailure(FailureLLMTimeout, nil).WithUserMessage("the model did not respond in time")

		case chunk, ok := <-completion:
			if !ok {
				return textBuilder.String(), thinkingBuilder.String(), toolCalls, nil
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.idleTimeout)

			if chunk.Error != nil {
				return textBuilder.String(), thinkingBuilder.String(), toolCalls, chunk.Error
			}
			if chunk.Text != "" {
				textBuilder.WriteString(chunk.Text)
				if c.onDelta != nil {
					c.onDelta(chunk.Text)
				}
			}
			if chunk.Thinking != "" {
				thinkingBuilder.WriteString(chunk.Thinking)
				if c.onThinking != nil {
					c.onThinking(chunk.Thinking)
				}
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
				if c.onToolCall != nil {
					c.onToolCall(*chunk.ToolCall)
				}
			}
			if chunk.Done {
				return textBuilder.String(), thinkingBuilder.String(), toolCalls, nil
			}
		}
	}
}
