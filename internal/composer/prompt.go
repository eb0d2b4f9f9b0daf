package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/studyd/internal/document"
	"github.com/kalambet/studyd/internal/engine"
	"github.com/kalambet/studyd/internal/retrieval"
)

const defaultMaxContextTokens = 4000

const answerSystemPrompt = `You are a study assistant. Answer the learner's question using ONLY the numbered excerpts from their course material below. Cite excerpts by their number in square brackets. If the excerpts do not contain the answer, say so plainly. Keep the answer under 150 words.`

const questionSystemPrompt = `You write exam practice questions from course material. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Write exactly the requested number of questions.
- Each question must be answerable from a single excerpt.
- "answer" is a short exact phrase (one to five words) taken from the excerpt.
- "chunk_id" is the id of the excerpt the question is based on.`

// Composer assembles chat prompts from retrieved or sampled chunks, keeping
// the injected material inside a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// AnswerPrompt builds the messages for grounded answer generation. Hits are
// expected in rank order; lower-ranked hits are dropped first when the
// budget runs out.
func (c *Composer) AnswerPrompt(query string, hits []retrieval.Hit) []engine.Message {
	var sb strings.Builder
	sb.WriteString("[Course Excerpts]\n")
	remaining := c.MaxContextTokens - EstimateTokens(answerSystemPrompt) - EstimateTokens(query)
	for i, h := range hits {
		entry := formatExcerpt(i+1, h.ChunkID, h.Text)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}

	return []engine.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: sb.String() + "\n[Question]\n" + query},
	}
}

// QuestionPrompt builds the messages asking for count questions over chunks.
func (c *Composer) QuestionPrompt(chunks []document.Chunk, count int) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write %d question(s).\n\n[Course Excerpts]\n", count)
	remaining := c.MaxContextTokens - EstimateTokens(questionSystemPrompt)
	for i, ch := range chunks {
		entry := formatExcerpt(i+1, ch.ID, ch.Text)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}

	return []engine.Message{
		{Role: "system", Content: questionSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// QuestionSchema returns the JSON schema for generated questions.
func QuestionSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"questions": {
				Type:        "array",
				Description: "Practice questions",
				Items: &engine.Schema{
					Type: "object",
					Properties: map[string]engine.SchemaProperty{
						"prompt":   {Type: "string", Description: "The question text"},
						"answer":   {Type: "string", Description: "Short exact answer phrase"},
						"chunk_id": {Type: "string", Description: "Id of the source excerpt"},
					},
					Required: []string{"prompt", "answer", "chunk_id"},
				},
			},
		},
		Required: []string{"questions"},
	}
}

func formatExcerpt(n int, chunkID, text string) string {
	return fmt.Sprintf("[%d] (id: %s)\n%s\n\n", n, chunkID, strings.TrimSpace(text))
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
