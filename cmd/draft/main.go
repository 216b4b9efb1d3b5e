// Command draft streams a generation from a legisdraft endpoint to the
// terminal.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/legisdraft/internal/generation"
	"github.com/tjfontaine/legisdraft/internal/notify"
)

var (
	endpoint        string
	apiKey          string
	mode            string
	model           string
	streamTimeout   time.Duration
	fallbackTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "draft [prompt]",
	Short: "Stream a legislative draft from a generation endpoint",
	Long: `Send a prompt to a generation endpoint and print the answer as it streams.

The prompt is read from the arguments, or from stdin when none are given.
If the stream fails the non-streaming endpoint is tried once.`,
	RunE:          runDraft,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&endpoint, "url", envOr("LEGIS_GENERATION_URL", "http://127.0.0.1:8080/functions/v1/generate-text"), "generation endpoint")
	rootCmd.Flags().StringVar(&apiKey, "key", os.Getenv("LEGIS_API_KEY"), "API key")
	rootCmd.Flags().StringVarP(&mode, "mode", "m", string(generation.ModeDefault), "generation mode: default, draft, problem, media")
	rootCmd.Flags().StringVar(&model, "model", "", "model override")
	rootCmd.Flags().DurationVar(&streamTimeout, "stream-timeout", 90*time.Second, "streaming attempt timeout (0 disables)")
	rootCmd.Flags().DurationVar(&fallbackTimeout, "fallback-timeout", 60*time.Second, "fallback request timeout (0 disables)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runDraft(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	if prompt == "" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read prompt: %w", err)
		}
		prompt = string(b)
	}

	m, err := generation.ParseMode(mode)
	if err != nil {
		return err
	}
	req := generation.Request{Prompt: prompt, Model: model, Mode: m, Stream: true}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := notify.NewQueue(8, nil)
	defer queue.Close()
	events, unsubscribe := queue.Subscribe(ctx)
	defer unsubscribe()

	out := cmd.OutOrStdout()
	r := &renderer{w: out}
	consumer := generation.NewConsumer(
		generation.NewClient(endpoint,
			generation.WithAPIKey(apiKey),
			generation.WithUserAgent("legisdraft-cli/1.0"),
		),
		generation.WithStreamTimeout(streamTimeout),
		generation.WithFallbackTimeout(fallbackTimeout),
		generation.WithPublisher(queue),
		generation.WithSource("draft"),
	)

	res, err := consumer.Run(ctx, req, r.render)
	fmt.Fprintln(out)

drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "%s: %s\n", ev.Kind, ev.Message)
		default:
			break drain
		}
	}

	if errors.Is(err, generation.ErrCancelled) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.UsedFallback {
		color.New(color.Faint).Fprintf(cmd.ErrOrStderr(), "(stream failed: %v; used fallback)\n", res.StreamErr)
	}
	return nil
}

// renderer prints the visible text incrementally, restarting the line when
// the text is replaced rather than extended.
type renderer struct {
	w       io.Writer
	printed string
}

func (r *renderer) render(u generation.Update) {
	switch u.State {
	case generation.StateFailed:
		return
	case generation.StateFallingBack:
		color.New(color.Faint).Fprint(r.w, "\n[retrying without streaming]\n")
		r.printed = ""
		return
	}
	if strings.HasPrefix(u.Text, r.printed) {
		fmt.Fprint(r.w, u.Text[len(r.printed):])
	} else {
		fmt.Fprint(r.w, "\n"+u.Text)
	}
	r.printed = u.Text
}
