package quiz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/kalambet/studyd/internal/composer"
	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/engine"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/lexical"
	"github.com/kalambet/studyd/internal/mode"
)

const (
	// MaxQuestions bounds a single quiz.
	MaxQuestions = 50
	groupSize    = 3
	blank        = "_____"
)

// Chatter is the generation backend. engine.Engine satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Generator builds question sets from an index.
type Generator struct {
	arb      *mode.Arbitrator
	chat     Chatter
	model    string
	composer *composer.Composer
	logger   *slog.Logger
}

// NewGenerator creates a Generator. A nil chat backend produces template
// questions only.
func NewGenerator(arb *mode.Arbitrator, chat Chatter, model string, comp *composer.Composer, logger *slog.Logger) *Generator {
	if comp == nil {
		comp = composer.New(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{arb: arb, chat: chat, model: model, composer: comp, logger: logger}
}

// slot is one planned question: a chunk and which of its key terms to use.
type slot struct {
	pos   int
	entry index.Entry
	nth   int
}

// Spread picks count chunk positions evenly across n chunks. Position i is
// floor((i+0.5)*n/count), so questions cover the whole document instead of
// clustering on one region.
func Spread(n, count int) []int {
	out := make([]int, count)
	for i := range out {
		out[i] = int((float64(i) + 0.5) * float64(n) / float64(count))
		if out[i] >= n {
			out[i] = n - 1
		}
	}
	return out
}

// Generate returns count unnumbered questions. Each group of up to three
// chunks is offered to the question-generation capability; any group it
// cannot serve gets deterministic template questions instead.
func (g *Generator) Generate(ctx context.Context, ix *index.Index, count int) ([]Question, error) {
	if count <= 0 || count > MaxQuestions {
		return nil, fmt.Errorf("%w: %d (allowed 1-%d)", ErrInvalidCount, count, MaxQuestions)
	}
	if ix == nil || len(ix.Entries) == 0 {
		return nil, document.ErrEmptyDocument
	}

	seen := make(map[int]int)
	slots := make([]slot, count)
	for i, pos := range Spread(len(ix.Entries), count) {
		slots[i] = slot{pos: i, entry: ix.Entries[pos], nth: seen[pos]}
		seen[pos]++
	}

	questions := make([]Question, 0, count)
	for start := 0; start < len(slots); start += groupSize {
		end := min(start+groupSize, len(slots))
		group := slots[start:end]

		if remote, ok := g.remoteGroup(ctx, group); ok {
			questions = append(questions, remote...)
			continue
		}
		for _, s := range group {
			questions = append(questions, templateQuestion(ix, s))
		}
	}
	return questions, nil
}

type generatedQuestion struct {
	Prompt  string `json:"prompt"`
	Answer  string `json:"answer"`
	ChunkID string `json:"chunk_id"`
}

type generatedSet struct {
	Questions []generatedQuestion `json:"questions"`
}

func (g *Generator) remoteGroup(ctx context.Context, group []slot) ([]Question, bool) {
	if g.chat == nil || g.arb == nil {
		return nil, false
	}
	chunks := make([]document.Chunk, 0, len(group))
	allowed := make(map[string]bool, len(group))
	for _, s := range group {
		if !allowed[s.entry.Chunk.ID] {
			chunks = append(chunks, s.entry.Chunk)
		}
		allowed[s.entry.Chunk.ID] = true
	}
	messages := g.composer.QuestionPrompt(chunks, len(group))

	set, out := mode.Call(ctx, g.arb, mode.QuestionGeneration, func(callCtx context.Context) ([]generatedQuestion, error) {
		raw, err := g.chat.Chat(callCtx, g.model, messages, composer.QuestionSchema())
		if err != nil {
			return nil, err
		}
		return parseGenerated(raw, allowed, len(group))
	})
	if !out.Online() {
		g.logger.Debug("question generation fell back to templates", "reason", out.Reason, "error", out.Err)
		return nil, false
	}

	qs := make([]Question, len(set))
	for i, gq := range set {
		qs[i] = Question{
			Kind:       KindGenerated,
			Prompt:     gq.Prompt,
			Topic:      gq.ChunkID,
			AnswerKey:  AnswerKey{Text: gq.Answer, EvidenceChunkIDs: []string{gq.ChunkID}},
			Provenance: mode.Online,
		}
	}
	return qs, true
}

// parseGenerated validates a model reply. Anything unusable is reported as
// mode.ErrInvalidResponse so it counts against the capability.
func parseGenerated(raw string, allowed map[string]bool, want int) ([]generatedQuestion, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var set generatedSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("decoding questions: %v: %w", err, mode.ErrInvalidResponse)
	}
	var valid []generatedQuestion
	for _, q := range set.Questions {
		q.Prompt = strings.TrimSpace(q.Prompt)
		q.Answer = strings.TrimSpace(q.Answer)
		if q.Prompt == "" || lexical.Normalize(q.Answer) == "" || !allowed[q.ChunkID] {
			continue
		}
		valid = append(valid, q)
		if len(valid) == want {
			return valid, nil
		}
	}
	return nil, fmt.Errorf("got %d usable questions, want %d: %w", len(valid), want, mode.ErrInvalidResponse)
}

// templateQuestion builds an offline question for s. Even positions become
// cloze questions when a key term can be blanked; everything else is an
// extractive question.
func templateQuestion(ix *index.Index, s slot) Question {
	chunk := s.entry.Chunk
	terms := ix.Stats.KeyTerms(s.entry.Signature, s.nth+1)
	term := ""
	if len(terms) > 0 {
		term = terms[min(s.nth, len(terms)-1)]
	}

	if s.pos%2 == 0 && term != "" {
		for _, sent := range lexical.Sentences(chunk.Text) {
			if prompt, ok := blankTerm(sent, term); ok {
				return Question{
					Kind:       KindCloze,
					Prompt:     "Fill in the blank: " + prompt,
					Topic:      chunk.ID,
					AnswerKey:  AnswerKey{Text: term, EvidenceChunkIDs: []string{chunk.ID}},
					Provenance: mode.Offline,
				}
			}
		}
	}

	prompt := fmt.Sprintf("Explain %q as described in the material, and cite the passage that supports your answer.", term)
	if term == "" {
		prompt = fmt.Sprintf("Summarize the main point of passage %d, and cite it.", chunk.Seq+1)
	}
	return Question{
		Kind:       KindExtractive,
		Prompt:     prompt,
		Topic:      chunk.ID,
		AnswerKey:  AnswerKey{Text: referenceSentence(chunk.Text, term), EvidenceChunkIDs: []string{chunk.ID}},
		Provenance: mode.Offline,
	}
}

// blankTerm replaces every whole-word, case-insensitive occurrence of term
// in sentence with a blank.
func blankTerm(sentence, term string) (string, bool) {
	var sb strings.Builder
	runes := []rune(sentence)
	found := false
	for i := 0; i < len(runes); {
		if !isWordRune(runes[i]) {
			sb.WriteRune(runes[i])
			i++
			continue
		}
		j := i
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		word := string(runes[i:j])
		if strings.ToLower(word) == term {
			sb.WriteString(blank)
			found = true
		} else {
			sb.WriteString(word)
		}
		i = j
	}
	return sb.String(), found
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func referenceSentence(text, term string) string {
	sentences := lexical.Sentences(text)
	for _, s := range sentences {
		if _, ok := blankTerm(s, term); ok {
			return s
		}
	}
	if len(sentences) > 0 {
		return sentences[0]
	}
	return strings.TrimSpace(text)
}
