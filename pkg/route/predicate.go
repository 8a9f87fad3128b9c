package route

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"chatflow/pkg/faq"
)

// AnyAttachment is the attachment filter accepting any file-bearing event.
const AnyAttachment = "any"

// PredicateConfig declares the match stages of one binding. Empty fields are
// wildcards except Attachments, whose empty value rejects file-bearing events.
//
// With FAQ set, the corpus is consulted only after every phrase misses, so an
// event accepted by a literal phrase carries no candidates.
type PredicateConfig struct {
	Phrases     []string
	States      []string
	Attachments []string
	Interactive bool
	FAQ         *faq.Corpus
	Threshold   float64
}

// Predicate is a compiled PredicateConfig. The zero value accepts plain text
// messages in any state.
type Predicate struct {
	phrases       []*regexp.Regexp
	states        map[string]struct{}
	attachments   []string
	anyAttachment bool
	interactive   bool
	corpus        *faq.Corpus
	threshold     float64
}

// NewPredicate compiles cfg. Regular expressions match case-insensitively.
func NewPredicate(cfg PredicateConfig) (Predicate, error) {
	var p Predicate

	for _, pattern := range cfg.Phrases {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return Predicate{}, fmt.Errorf("compile phrase %q: %w", pattern, err)
		}
		p.phrases = append(p.phrases, re)
	}

	if len(cfg.States) > 0 {
		p.states = make(map[string]struct{}, len(cfg.States))
		for _, state := range cfg.States {
			p.states[state] = struct{}{}
		}
	}

	for _, tag := range cfg.Attachments {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if tag == AnyAttachment {
			p.anyAttachment = true
			continue
		}
		p.attachments = append(p.attachments, tag)
	}
	if p.anyAttachment && len(p.attachments) > 0 {
		return Predicate{}, errors.New(`attachment filter "any" cannot be combined with explicit types`)
	}

	if cfg.FAQ != nil {
		if cfg.Threshold < 0 || cfg.Threshold >= 1 {
			return Predicate{}, fmt.Errorf("faq threshold %v must be in [0, 1)", cfg.Threshold)
		}
		p.corpus = cfg.FAQ
		p.threshold = cfg.Threshold
	}
	p.interactive = cfg.Interactive

	return p, nil
}

// Semantic reports whether the phrase stage consults a FAQ corpus.
func (p Predicate) Semantic() bool {
	return p.corpus != nil
}

func (p Predicate) matchPhrases(texts ...string) bool {
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, re := range p.phrases {
			if re.MatchString(text) {
				return true
			}
		}
	}

	return false
}

func (p Predicate) matchState(state string) bool {
	if p.states == nil {
		return true
	}
	_, ok := p.states[state]
	return ok
}
