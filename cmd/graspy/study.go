package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tosinamuda/graspy-natlas/internal/chat"
	"github.com/tosinamuda/graspy-natlas/internal/cliui"
	"github.com/tosinamuda/graspy-natlas/internal/config"
	"github.com/tosinamuda/graspy-natlas/internal/locale"
	"github.com/tosinamuda/graspy-natlas/internal/study"
)

// clientFlags are shared by the commands that call the study API directly.
type clientFlags struct {
	apiURL   string
	token    string
	language string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.apiURL, "api-url", "", "study API URL (overrides STUDY_API_URL)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token (overrides STUDY_API_TOKEN)")
	cmd.Flags().StringVarP(&f.language, "language", "l", locale.Fallback, "interface locale (en, yo, ig, ha, pcm)")
}

func (f *clientFlags) client(cfg *config.Config) *study.Client {
	apiURL, token := cfg.StudyAPIURL, cfg.StudyAPIToken
	if f.apiURL != "" {
		apiURL = f.apiURL
	}
	if f.token != "" {
		token = f.token
	}
	return newStudyClient(apiURL, token)
}

func (f *clientFlags) languageID() string {
	return locale.LanguageID(f.language)
}

func newStudyClient(apiURL, token string) *study.Client {
	opts := []study.ClientOption{
		study.WithLogger(log.Logger.With().Str("component", "study").Logger()),
	}
	if token != "" {
		opts = append(opts, study.WithTokenSource(study.StaticToken(token)))
	}
	return study.NewClient(apiURL, opts...)
}

func newSubjectsCmd(cfg *config.Config) *cobra.Command {
	var (
		flags    clientFlags
		featured bool
	)

	cmd := &cobra.Command{
		Use:   "subjects",
		Short: "List subjects and their topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := flags.client(cfg)
			out := cmd.OutOrStdout()

			var subjects []study.Subject
			err := cliui.Step(cmd.ErrOrStderr(), "loading subjects", func() error {
				var err error
				subjects, err = client.Subjects(cmd.Context(), featured)
				return err
			})
			if err != nil {
				return err
			}
			printSubjects(out, subjects)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&featured, "featured", false, "only featured subjects")
	return cmd
}

func printSubjects(w io.Writer, subjects []study.Subject) {
	if len(subjects) == 0 {
		fmt.Fprintln(w, cliui.Dim.Render("no subjects"))
		return
	}
	for _, s := range subjects {
		fmt.Fprintf(w, "%s %s\n", cliui.Title.Render(s.Name), cliui.Dim.Render(s.Slug))
		for _, t := range s.Topics {
			fmt.Fprintf(w, "  %s %s\n", t.Title, cliui.Dim.Render(t.ID))
		}
	}
}

func newTopicCmd(cfg *config.Config) *cobra.Command {
	var (
		flags     clientFlags
		subjectID string
		extra     string
		raw       bool
	)

	cmd := &cobra.Command{
		Use:   "topic <title>",
		Short: "Generate a topic and print it as it arrives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			dec, err := flags.client(cfg).StreamTopic(ctx, study.StreamTopicParams{
				Topic:     args[0],
				SubjectID: subjectID,
				Language:  flags.languageID(),
				Context:   extra,
			})
			if err != nil {
				return err
			}
			defer func() {
				stats := dec.Stats()
				log.Debug().
					Int64("bytes", stats.Bytes).
					Int("frames", stats.Frames).
					Int("messages", stats.Messages).
					Int("skipped", stats.Skipped).
					Msg("topic stream finished")
			}()
			return printTopicStream(cmd.OutOrStdout(), dec.All(), raw)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject id")
	cmd.Flags().StringVar(&extra, "context", "", "extra context for generation")
	cmd.Flags().BoolVar(&raw, "raw", false, "print content without markdown rendering")
	return cmd
}

// printTopicStream prints each chunk of a topic stream and fails on an error
// chunk or a stream that ends before the topic is complete.
func printTopicStream(w io.Writer, chunks iter.Seq2[study.TopicChunk, error], raw bool) error {
	complete := false
	for chunk, err := range chunks {
		if err != nil {
			return fmt.Errorf("topic stream: %w", err)
		}
		switch chunk.Kind() {
		case "error":
			return fmt.Errorf("generation failed: %s", chunk.Error)
		case "draft":
			if chunk.Title != "" {
				fmt.Fprintf(w, "%s %s\n", cliui.Title.Render(chunk.Title), cliui.Dim.Render("generating..."))
			}
		case "complete":
			complete = true
			content := chunk.Content
			if !raw {
				if rendered, err := cliui.RenderMarkdown(content); err == nil {
					content = rendered
				}
			}
			fmt.Fprintln(w, content)
			if chunk.ID != "" {
				fmt.Fprintln(w, cliui.Dim.Render("topic "+chunk.ID))
			}
		}
	}
	if !complete {
		return errors.New("topic stream ended before the topic was complete")
	}
	return nil
}

func newChatCmd(cfg *config.Config) *cobra.Command {
	var (
		flags     clientFlags
		topicName string
	)

	cmd := &cobra.Command{
		Use:   "chat <topic-id>",
		Short: "Chat with the tutor about a topic",
		Long: `Start an interactive chat about a topic.

Type a question and press enter. "/clear" forgets the conversation,
"/quit" or end of input exits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			conv := chat.NewConversation(flags.client(cfg), chat.Seed{
				TopicID:   args[0],
				TopicName: topicName,
			})
			return runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), conv, flags.languageID())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&topicName, "topic-name", "", "topic title shown to the tutor")
	return cmd
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, conv *chat.Conversation, language string) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, cliui.UserPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/clear":
			conv.Clear()
			fmt.Fprintln(out, cliui.Dim.Render("conversation cleared"))
			continue
		}

		reply, err := conv.Send(ctx, line, language)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "%s %v\n", cliui.FailMark, err)
			continue
		}
		fmt.Fprintf(out, "%s%s\n", cliui.TutorPrompt, reply.Content)
	}
}
