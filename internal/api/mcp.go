package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/studyd/internal/quiz"
)

// NewMCPServer creates an MCP server exposing the study tools.
func NewMCPServer(st Study, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"studyd",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("studyd: ask questions about uploaded course material, take quizzes and get a study plan."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List uploaded documents with their index status."),
		),
		mcpListDocuments(st),
	)

	s.AddTool(
		mcp.NewTool("upload_text",
			mcp.WithDescription("Upload plain text as a new document. The text is split into overlapping chunks."),
			mcp.WithString("text", mcp.Description("Document text"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Optional document ID")),
		),
		mcpUploadText(st),
	)

	s.AddTool(
		mcp.NewTool("ask_document",
			mcp.WithDescription("Answer a question from a document. Works offline with an extractive answer."),
			mcp.WithString("document_id", mcp.Description("Document ID"), mcp.Required()),
			mcp.WithString("question", mcp.Description("Question to answer"), mcp.Required()),
		),
		mcpAsk(st),
	)

	s.AddTool(
		mcp.NewTool("generate_quiz",
			mcp.WithDescription("Generate a quiz over a document."),
			mcp.WithString("document_id", mcp.Description("Document ID"), mcp.Required()),
			mcp.WithNumber("count", mcp.Description("Number of questions (default 5, max 50)")),
		),
		mcpGenerateQuiz(st),
	)

	s.AddTool(
		mcp.NewTool("answer_question",
			mcp.WithDescription("Answer the current question of a quiz, or a specific question by ID."),
			mcp.WithString("quiz_id", mcp.Description("Quiz ID"), mcp.Required()),
			mcp.WithString("answer", mcp.Description("Answer text"), mcp.Required()),
			mcp.WithString("question_id", mcp.Description("Question ID (default: current question)")),
			mcp.WithArray("citations", mcp.Description("Chunk IDs supporting the answer"), mcp.WithStringItems()),
		),
		mcpAnswerQuestion(st),
	)

	s.AddTool(
		mcp.NewTool("study_plan",
			mcp.WithDescription("Rank a document's topics by review priority from quiz history."),
			mcp.WithString("document_id", mcp.Description("Document ID"), mcp.Required()),
			mcp.WithString("exam_date", mcp.Description("Exam date, YYYY-MM-DD or RFC 3339")),
			mcp.WithNumber("hours_per_day", mcp.Description("Study hours per day to split across topics")),
		),
		mcpStudyPlan(st),
	)

	s.AddResource(
		mcp.NewResource(
			"studyd://mode",
			"Remote capability status",
			mcp.WithResourceDescription("Circuit state and call budget of each remote capability"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMode(st),
	)

	return s
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpListDocuments(st Study) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docs := st.Documents()
		out := make([]DocumentSummary, len(docs))
		for i, d := range docs {
			out[i] = summarizeDocument(d)
		}
		return mcpJSON(out), nil
	}
}

func mcpUploadText(st Study) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		segments, err := chunkText(text)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		doc, err := st.UploadComplete(ctx, req.GetString("id", ""), segments)
		if err != nil {
			return mcpError(fmt.Sprintf("upload failed: %v", err)), nil
		}
		return mcpJSON(summarizeDocument(doc)), nil
	}
}

func mcpAsk(st Study) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		a, err := st.Ask(ctx, docID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(a), nil
	}
}

func mcpGenerateQuiz(st Study) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		count := req.GetInt("count", defaultQuizSize)
		q, err := st.GenerateQuiz(ctx, docID, count)
		if err != nil {
			return mcpError(fmt.Sprintf("quiz generation failed: %v", err)), nil
		}
		return mcpJSON(viewQuiz(q)), nil
	}
}

func mcpAnswerQuestion(st Study) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		quizID, err := req.RequireString("quiz_id")
		if err != nil {
			return mcpError("quiz_id is required"), nil
		}
		text, err := req.RequireString("answer")
		if err != nil {
			return mcpError("answer is required"), nil
		}
		res, err := st.AnswerQuiz(ctx, quizID, req.GetString("question_id", ""), quiz.Response{
			Text:      text,
			Citations: req.GetStringSlice("citations", nil),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("answer rejected: %v", err)), nil
		}
		return mcpJSON(viewResult(res)), nil
	}
}

func mcpStudyPlan(st Study) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		opts, err := PlanRequest{
			ExamDate:    req.GetString("exam_date", ""),
			HoursPerDay: req.GetFloat("hours_per_day", 0),
		}.options()
		if err != nil {
			return mcpError(err.Error()), nil
		}
		entries, err := st.CreatePlan(ctx, docID, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("planning failed: %v", err)), nil
		}
		return mcpJSON(entries), nil
	}
}

func mcpResourceMode(st Study) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(st.ModeStatus())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal mode status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
