// Package route holds the handler registry and the staged predicate engine
// that decides which binding handles an inbound event.
package route

import (
	"context"
	"log/slog"

	"chatflow/pkg/embedding"
	"chatflow/pkg/faq"
	"chatflow/pkg/inbound"
	"chatflow/pkg/store"
)

// Outcome is the result of evaluating one predicate.
type Outcome struct {
	Phrase     bool
	State      bool
	Attachment bool

	// Candidates is set only when the predicate accepted through the
	// semantic stage.
	Candidates []faq.Candidate
}

// Accepted reports whether every stage passed.
func (o Outcome) Accepted() bool {
	return o.Phrase && o.State && o.Attachment
}

// Matcher evaluates predicates. The embedder may be nil when no predicate
// uses a FAQ corpus.
type Matcher struct {
	embedder embedding.Embedder
	log      *slog.Logger
}

func NewMatcher(embedder embedding.Embedder, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}

	return &Matcher{embedder: embedder, log: log.With("component", "route.matcher")}
}

// Evaluation scopes predicate checks to one event and user context. The event
// text is embedded at most once per Evaluation.
type Evaluation struct {
	matcher *Matcher
	event   inbound.Event
	context store.UserContext

	embedded bool
	vector   []float32
}

func (m *Matcher) Begin(ev inbound.Event, uc store.UserContext) *Evaluation {
	return &Evaluation{matcher: m, event: ev, context: uc}
}

// Evaluate runs the kind gate, then the phrase, state and attachment stages,
// stopping at the first rejection.
func (e *Evaluation) Evaluate(ctx context.Context, p Predicate) Outcome {
	var out Outcome

	if !e.kindAllowed(p) {
		return out
	}

	var candidates []faq.Candidate
	out.Phrase, candidates = e.phraseStage(ctx, p)
	if !out.Phrase {
		return out
	}

	out.State = p.matchState(e.context.State)
	if !out.State {
		return out
	}

	out.Attachment = e.attachmentStage(p)
	if !out.Attachment {
		return out
	}

	out.Candidates = candidates
	return out
}

func (e *Evaluation) kindAllowed(p Predicate) bool {
	if p.interactive {
		return e.event.Kind == inbound.KindCallback
	}

	return e.event.Kind == inbound.KindMessage
}

func (e *Evaluation) phraseStage(ctx context.Context, p Predicate) (bool, []faq.Candidate) {
	if len(p.phrases) == 0 && p.corpus == nil {
		return true, nil
	}

	if p.matchPhrases(e.event.Caption, e.event.Text) {
		return true, nil
	}
	if p.corpus == nil {
		return false, nil
	}

	vector, ok := e.queryVector(ctx)
	if !ok {
		return false, nil
	}

	candidates := p.corpus.Match(vector, p.threshold)
	return len(candidates) > 0, candidates
}

func (e *Evaluation) attachmentStage(p Predicate) bool {
	switch {
	case p.anyAttachment:
		return e.event.HasAttachments()
	case len(p.attachments) == 0:
		return !e.event.HasAttachments()
	}

	for _, tag := range p.attachments {
		if e.event.HasAttachment(tag) {
			return true
		}
	}

	return false
}

// queryVector embeds the event text once. Failures count as no match.
func (e *Evaluation) queryVector(ctx context.Context) ([]float32, bool) {
	if e.embedded {
		return e.vector, e.vector != nil
	}
	e.embedded = true

	text := e.event.MatchText()
	if text == "" {
		return nil, false
	}
	if e.matcher.embedder == nil {
		e.matcher.log.Warn("Semantic predicate without embedder", "user_id", e.event.UserID)
		return nil, false
	}

	vector, err := embedding.EmbedOne(ctx, e.matcher.embedder, text)
	if err != nil {
		e.matcher.log.Warn("Embedding event text failed", "user_id", e.event.UserID, "error", err)
		return nil, false
	}

	e.vector = vector
	return vector, true
}
