package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/studyd/internal/answer"
	"github.com/kalambet/studyd/internal/api"
	"github.com/kalambet/studyd/internal/config"
	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/plan"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Upload course material",
	Long: `Upload course material. PDF, HTML and plain text files are supported.

Examples:
  studyd upload ./lecture-03.pdf --id bio-03 --build
  studyd upload --text "Osmosis is the movement of water across a membrane."`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		id, _ := cmd.Flags().GetString("id")
		build, _ := cmd.Flags().GetBool("build")

		if text == "" && len(args) == 0 {
			return fmt.Errorf("a file or --text is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var doc api.DocumentSummary
		if len(args) == 1 {
			resp, err := client.upload(ctx, args[0], id)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &doc); err != nil {
				return err
			}
		} else {
			resp, err := client.post(ctx, "/documents", api.UploadRequest{ID: id, Text: text})
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &doc); err != nil {
				return err
			}
		}
		printSuccess("Uploaded %s (%d chunks)", doc.ID, doc.Chunks)
		fmt.Fprintln(cmd.OutOrStdout(), doc.ID)

		if build {
			resp, err := client.post(ctx, "/documents/"+doc.ID+"/index", nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printStep("Index build scheduled")
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("text", "", "upload text instead of a file")
	uploadCmd.Flags().String("id", "", "document ID (default: generated)")
	uploadCmd.Flags().Bool("build", false, "schedule an index build after upload")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List uploaded documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}
		var docs []api.DocumentSummary
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No documents uploaded.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tCHUNKS\tINDEX\tUPLOADED")
		for _, d := range docs {
			fmt.Fprintf(tw, "%s\t%s\t%d\tv%d\t%s\n", d.ID, d.Status, d.Chunks, d.IndexVersion, d.CreatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index <document>",
	Short: "Build or rebuild a document's index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/documents/" + args[0] + "/index"
		if !wait {
			resp, err := client.post(cmd.Context(), path, nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Index build scheduled for %s", args[0])
			return nil
		}

		resp, err := client.post(cmd.Context(), path+"?wait=true", nil)
		if err != nil {
			return err
		}
		var ix api.IndexSummary
		if err := decodeJSON(resp, &ix); err != nil {
			return err
		}
		printSuccess("Published %s v%d: %d chunks, %d vectors (%s)", ix.DocumentID, ix.Version, ix.Chunks, ix.Vectors, ix.Provenance)
		return nil
	},
}

func init() {
	indexCmd.Flags().Bool("wait", false, "build synchronously and report the result")
}

// --- terms ---

var termsCmd = &cobra.Command{
	Use:   "terms <document>",
	Short: "Show a document's most frequent terms",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("n")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents/%s/terms?n=%d", args[0], n))
		if err != nil {
			return err
		}
		var terms []index.TermCount
		if err := decodeJSON(resp, &terms); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, t := range terms {
			fmt.Fprintf(tw, "%s\t%d\n", t.Term, t.Count)
		}
		return tw.Flush()
	},
}

func init() {
	termsCmd.Flags().Int("n", 10, "number of terms")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <document> <question>",
	Short: "Ask a question about a document",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/documents/"+args[0]+"/ask", api.AskRequest{Question: question})
		if err != nil {
			return err
		}
		var a answer.Answer
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printAnswer(cmd.OutOrStdout(), a)
		return nil
	},
}

func printAnswer(w io.Writer, a answer.Answer) {
	fmt.Fprintln(w, a.Text)
	if len(a.Evidence) > 0 {
		fmt.Fprintln(w)
		for _, c := range a.Evidence {
			fmt.Fprintf(w, "  %s [score: %.3f]\n", colorize(colorCyan, c.ChunkID), c.Score)
		}
	}
	source := string(a.Provenance)
	if a.FallbackReason != mode.ReasonNone {
		source += ", " + string(a.FallbackReason)
	}
	fmt.Fprintf(w, "\n(%s, confidence %.2f)\n", source, a.Confidence)
}

// --- quiz ---

var quizCmd = &cobra.Command{
	Use:   "quiz",
	Short: "Take quizzes over a document",
}

var quizNewCmd = &cobra.Command{
	Use:   "new <document>",
	Short: "Generate a quiz",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/documents/"+args[0]+"/quizzes", api.QuizRequest{Count: count})
		if err != nil {
			return err
		}
		var q api.QuizView
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}
		printSuccess("Quiz %s with %d questions", q.ID, len(q.Questions))
		printQuiz(cmd.OutOrStdout(), q)
		return nil
	},
}

var quizShowCmd = &cobra.Command{
	Use:   "show <quiz>",
	Short: "Show a quiz and its progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/quizzes/"+args[0])
		if err != nil {
			return err
		}
		var q api.QuizView
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), q)
		}
		printQuiz(cmd.OutOrStdout(), q)
		return nil
	},
}

var quizAnswerCmd = &cobra.Command{
	Use:   "answer <quiz> <answer>",
	Short: "Answer the current question of a quiz",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		questionID, _ := cmd.Flags().GetString("question")
		cites, _ := cmd.Flags().GetStringSlice("cite")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/quizzes/"+args[0]+"/answers", api.AnswerRequest{
			QuestionID: questionID,
			Text:       strings.Join(args[1:], " "),
			Citations:  cites,
		})
		if err != nil {
			return err
		}
		var r api.ResultView
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if r.Question.Correct != nil && *r.Question.Correct {
			fmt.Fprintln(w, colorize(colorGreen, "Correct"))
		} else {
			fmt.Fprintln(w, colorize(colorRed, "Incorrect"))
			if r.Question.AnswerKey != nil && r.Question.AnswerKey.Text != "" {
				fmt.Fprintf(w, "  Expected: %s\n", truncate(r.Question.AnswerKey.Text, 300))
			}
		}
		fmt.Fprintf(w, "Score: %d/%d\n", r.Score, r.Pointer)
		if r.Next != nil {
			fmt.Fprintf(w, "\nNext (%s): %s\n", r.Next.ID, r.Next.Prompt)
		} else {
			fmt.Fprintln(w, "Quiz completed.")
		}
		return nil
	},
}

func printQuiz(w io.Writer, q api.QuizView) {
	fmt.Fprintf(w, "%s  %s  %s  score %d/%d\n", colorize(colorBold, q.ID), q.DocumentID, q.State, q.Score, len(q.Questions))
	for _, qu := range q.Questions {
		marker := " "
		switch {
		case qu.Correct != nil && *qu.Correct:
			marker = colorize(colorGreen, "✓")
		case qu.Correct != nil:
			marker = colorize(colorRed, "✗")
		case qu.Index == q.Pointer:
			marker = colorize(colorCyan, "→")
		}
		fmt.Fprintf(w, "%s %d. [%s] %s\n", marker, qu.Index+1, qu.Kind, truncate(qu.Prompt, 200))
	}
}

func init() {
	quizNewCmd.Flags().Int("count", 5, "number of questions")
	quizShowCmd.Flags().Bool("json", false, "print the raw quiz")
	quizAnswerCmd.Flags().String("question", "", "question ID (default: current question)")
	quizAnswerCmd.Flags().StringSlice("cite", nil, "chunk IDs supporting the answer")
	quizCmd.AddCommand(quizNewCmd, quizShowCmd, quizAnswerCmd)
}

// --- plan ---

var planCmd = &cobra.Command{
	Use:   "plan <document>",
	Short: "Show what to review next",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exam, _ := cmd.Flags().GetString("exam")
		hours, _ := cmd.Flags().GetFloat64("hours")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/documents/"+args[0]+"/plan", api.PlanRequest{ExamDate: exam, HoursPerDay: hours})
		if err != nil {
			return err
		}
		var entries []plan.Entry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PRIORITY\tDUE\tHOURS\tACCURACY\tTOPIC\tTERMS")
		for _, e := range entries {
			acc := "-"
			if e.Attempts > 0 {
				acc = fmt.Sprintf("%d/%d", e.Correct, e.Attempts)
			}
			fmt.Fprintf(tw, "%.2f\t%s\t%.2f\t%s\t%s\t%s\n",
				e.Priority, e.Due.Local().Format("2006-01-02 15:04"), e.Hours, acc, e.Topic, strings.Join(e.Label, ", "))
		}
		return tw.Flush()
	},
}

func init() {
	planCmd.Flags().String("exam", "", "exam date (YYYY-MM-DD)")
	planCmd.Flags().Float64("hours", 0, "study hours per day")
}

// --- mode ---

type modeResponse struct {
	Capabilities []mode.ModeState `json:"capabilities"`
}

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Show remote capability status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/mode")
		if err != nil {
			return err
		}
		var ms modeResponse
		if err := decodeJSON(resp, &ms); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CAPABILITY\tSTATE\tFAILURES\tBUDGET\tCOOLDOWN")
		for _, s := range ms.Capabilities {
			cooldown := "-"
			if !s.CooldownUntil.IsZero() {
				cooldown = s.CooldownUntil.Local().Format(time.TimeOnly)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\n", s.Capability, s.State, s.Failures, s.BudgetUsed, s.BudgetLimit, cooldown)
		}
		return tw.Flush()
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configKeysCmd)
}
