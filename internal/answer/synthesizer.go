// Package answer produces grounded answers to learner questions, using
// remote generation when permitted and an extractive fallback otherwise.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kalambet/studyd/internal/composer"
	"github.com/kalambet/studyd/internal/engine"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/lexical"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/retrieval"
)

// NoEvidenceText is returned when nothing in the document matches.
const NoEvidenceText = "No evidence for this question was found in the document."

const (
	defaultTopK           = 5
	maxExtractSentences   = 2
	onlineBaseConfidence  = 0.6
	offlineBaseConfidence = 0.2
	offlineMaxConfidence  = 0.5
)

// Citation points at one chunk used as evidence.
type Citation struct {
	ChunkID string  `json:"chunk_id"`
	Seq     int     `json:"seq"`
	Score   float64 `json:"score"`
}

// Answer is the response to one question.
type Answer struct {
	Query          string          `json:"query"`
	Evidence       []Citation      `json:"evidence"`
	Text           string          `json:"text"`
	Provenance     mode.Provenance `json:"provenance"`
	Confidence     float64         `json:"confidence"`
	FallbackReason mode.Reason     `json:"fallback_reason,omitempty"`
}

// Chatter is the generation backend. engine.Engine satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Synthesizer answers questions against a document index.
type Synthesizer struct {
	retriever *retrieval.Retriever
	arb       *mode.Arbitrator
	chat      Chatter
	model     string
	composer  *composer.Composer
	topK      int
	logger    *slog.Logger
}

// Config holds Synthesizer parameters.
type Config struct {
	Model string
	TopK  int
}

// NewSynthesizer creates a Synthesizer. A nil chat backend always answers
// extractively.
func NewSynthesizer(r *retrieval.Retriever, arb *mode.Arbitrator, chat Chatter, comp *composer.Composer, cfg Config, logger *slog.Logger) *Synthesizer {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if comp == nil {
		comp = composer.New(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		retriever: r,
		arb:       arb,
		chat:      chat,
		model:     cfg.Model,
		composer:  comp,
		topK:      cfg.TopK,
		logger:    logger,
	}
}

// Ask answers query from ix. It never fails: remote problems degrade the
// answer to an extractive one and an empty match yields a fixed
// no-evidence answer.
func (s *Synthesizer) Ask(ctx context.Context, ix *index.Index, query string) Answer {
	hits := s.retriever.Retrieve(ctx, ix, query, s.topK)
	if len(hits) == 0 {
		return Answer{
			Query:      query,
			Evidence:   []Citation{},
			Text:       NoEvidenceText,
			Provenance: mode.Offline,
		}
	}

	evidence := make([]Citation, len(hits))
	for i, h := range hits {
		evidence[i] = Citation{ChunkID: h.ChunkID, Seq: h.Seq, Score: round4(h.Score)}
	}

	out := mode.Outcome{Provenance: mode.Offline, Reason: mode.ReasonNoCredential}
	if s.chat != nil && s.arb != nil {
		var text string
		messages := s.composer.AnswerPrompt(query, hits)
		text, out = mode.Call(ctx, s.arb, mode.Generation, func(callCtx context.Context) (string, error) {
			resp, err := s.chat.Chat(callCtx, s.model, messages, nil)
			if err != nil {
				return "", err
			}
			resp = strings.TrimSpace(resp)
			if resp == "" {
				return "", fmt.Errorf("empty completion: %w", mode.ErrInvalidResponse)
			}
			return resp, nil
		})
		if out.Online() {
			return Answer{
				Query:      query,
				Evidence:   evidence,
				Text:       text,
				Provenance: mode.Online,
				Confidence: round4(onlineBaseConfidence + (1-onlineBaseConfidence)*hits[0].Score),
			}
		}
		s.logger.Debug("answer generation fell back to extractive", "reason", out.Reason, "error", out.Err)
	}

	text, overlap := Extract(query, hits[0].Text)
	conf := offlineBaseConfidence + 0.3*overlap
	if conf > offlineMaxConfidence {
		conf = offlineMaxConfidence
	}
	return Answer{
		Query:          query,
		Evidence:       evidence,
		Text:           text,
		Provenance:     mode.Offline,
		Confidence:     round4(conf),
		FallbackReason: out.Reason,
	}
}

// Extract returns up to two sentences of text that best overlap the query,
// in their original order, together with the best sentence's overlap.
func Extract(query, text string) (string, float64) {
	sentences := lexical.Sentences(text)
	if len(sentences) == 0 {
		return strings.TrimSpace(text), 0
	}
	terms := lexical.Tokenize(query)

	order := make([]int, len(sentences))
	overlaps := make([]float64, len(sentences))
	for i, sent := range sentences {
		order[i] = i
		overlaps[i] = lexical.Overlap(terms, sent)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return overlaps[order[a]] > overlaps[order[b]]
	})

	top := overlaps[order[0]]
	keep := order[:1]
	if len(order) > 1 && overlaps[order[1]] > 0 {
		keep = order[:maxExtractSentences]
	}
	sort.Ints(keep)

	parts := make([]string, len(keep))
	for i, idx := range keep {
		parts[i] = sentences[idx]
	}
	return strings.Join(parts, " "), top
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
