package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urbanevents/metricas/pkg/api/client"
	"github.com/urbanevents/metricas/pkg/events"
)

const maxLineBytes = 1 << 20

type emitter interface {
	Emit(ctx context.Context, event events.Event) (string, error)
}

type summary struct {
	Sent     int
	Failed   int
	Outcomes map[string]int
}

func main() {
	file := flag.String("file", "", "JSON-lines file with lifecycle events (default stdin)")
	apiURL := flag.String("api", "http://localhost:8080", "metricas API base URL")
	token := flag.String("token", os.Getenv("INGEST_TOKEN"), "ingest token sent as X-Ingest-Token")
	timeout := flag.Duration("timeout", 10*time.Second, "per request timeout")
	stopOnError := flag.Bool("stop-on-error", false, "abort on the first failed line")
	recompute := flag.Bool("recompute", false, "trigger a full aggregate sweep after replaying")
	showSummary := flag.Bool("summary", false, "print the metric summary after replaying")
	flag.Parse()

	input := io.Reader(os.Stdin)
	if path := strings.TrimSpace(*file); path != "" {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		input = f
	}

	sink, err := events.NewEmitter(*apiURL, *token, &http.Client{Timeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := replay(ctx, input, sink, os.Stderr, *stopOnError)
	fmt.Fprintf(os.Stdout, "sent=%d failed=%d", result.Sent, result.Failed)
	for _, outcome := range []string{"applied", "ignored", "dropped", "failed"} {
		if n := result.Outcomes[outcome]; n > 0 {
			fmt.Fprintf(os.Stdout, " %s=%d", outcome, n)
		}
	}
	fmt.Fprintln(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *recompute || *showSummary {
		if err := report(ctx, *apiURL, *token, *timeout, *recompute, *showSummary); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	if result.Failed > 0 {
		os.Exit(2)
	}
}

func report(ctx context.Context, apiURL, token string, timeout time.Duration, recompute, showSummary bool) error {
	api, err := client.New(apiURL, client.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return err
	}
	if recompute {
		n, err := api.Recompute(ctx, token)
		if err != nil {
			return fmt.Errorf("recompute: %w", err)
		}
		fmt.Fprintf(os.Stdout, "recomputed=%d\n", n)
	}
	if showSummary {
		totals, err := api.Summary(ctx)
		if err != nil {
			return fmt.Errorf("summary: %w", err)
		}
		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")
		return out.Encode(totals)
	}
	return nil
}

// replay posts every non-empty line of input in order. Line failures are
// reported to errOut; only read errors, cancellation and stopOnError abort.
func replay(ctx context.Context, input io.Reader, sink emitter, errOut io.Writer, stopOnError bool) (summary, error) {
	result := summary{Outcomes: make(map[string]int)}
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var event events.Event
		err := json.Unmarshal([]byte(raw), &event)
		if err == nil {
			var outcome string
			outcome, err = sink.Emit(ctx, event)
			if err == nil {
				result.Sent++
				result.Outcomes[outcome]++
				continue
			}
		}
		result.Failed++
		fmt.Fprintf(errOut, "line %d: %v\n", line, err)
		if errors.Is(err, events.ErrUnauthorized) || errors.Is(err, events.ErrDisabled) {
			return result, err
		}
		if stopOnError {
			return result, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read input: %w", err)
	}
	return result, nil
}
