package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hivemail/mailsync/internal/store"
)

const summarySystemPrompt = "You summarize email threads. Reply with a short plain-text " +
	"summary (3 sentences or fewer) covering what the thread is about, what was decided, " +
	"and any pending action items. No preamble."

// Caps how much thread text goes into one prompt.
const maxPromptChars = 24000

// threadReader is the slice of the store the summarizer needs.
type threadReader interface {
	ThreadMessages(ctx context.Context, userID, threadID string) ([]store.ThreadMessage, error)
	SaveThreadSummary(ctx context.Context, userID, threadID, summary, model string) error
}

// Summarizer generates and stores thread summaries after re-processing.
type Summarizer struct {
	Completer Completer
	Store     threadReader
	Log       zerolog.Logger
}

// SummarizeThread builds a prompt from the thread's stored messages and
// persists the completion. An empty thread is a no-op.
func (s *Summarizer) SummarizeThread(ctx context.Context, userID, threadID string) error {
	msgs, err := s.Store.ThreadMessages(ctx, userID, threadID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var b strings.Builder
	for i, m := range msgs {
		fmt.Fprintf(&b, "--- Message %d ---\nFrom: %s\nDate: %s\nSubject: %s\n\n%s\n\n",
			i+1, m.FromEmail, m.Date.Format("2006-01-02 15:04"), m.Subject, m.BodyText)
		if b.Len() > maxPromptChars {
			break
		}
	}
	prompt := b.String()
	if len(prompt) > maxPromptChars {
		prompt = prompt[:maxPromptChars]
	}

	summary, err := s.Completer.Complete(ctx, summarySystemPrompt, prompt, nil)
	if err != nil {
		return fmt.Errorf("complete summary: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}

	if err := s.Store.SaveThreadSummary(ctx, userID, threadID, summary, s.Completer.Model()); err != nil {
		return err
	}

	s.Log.Debug().
		Str("user_id", userID).
		Str("thread_id", threadID).
		Int("messages", len(msgs)).
		Msg("thread summary updated")
	return nil
}
