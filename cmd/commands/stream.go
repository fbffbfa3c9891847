package commands

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/internal/streamevent"
)

// NewStreamCommand returns the stream subcommand: tail a conversation's SSE
// egress from the gateway until an OutputEvent arrives or --timeout elapses.
func NewStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Tail a conversation's event stream from the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Gateway base URL", Value: "http://127.0.0.1:18420"},
			&cli.StringFlag{Name: "conversation-id", Aliases: []string{"c"}, Usage: "Conversation ID"},
			&cli.StringFlag{Name: "since", Usage: "Resume from this cursor (Last-Event-ID)"},
			&cli.IntFlag{Name: "max-events", Usage: "Stop after this many events (0 = until OutputEvent)"},
			&cli.DurationFlag{Name: "timeout", Usage: "Give up after this long with no OutputEvent", Value: 60 * time.Second},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Only print assistant text, no token-by-token output"},
			&cli.BoolFlag{Name: "json", Usage: "Print each raw SSE data line instead of formatted text"},
		},
		Action: runStream,
	}
}

func runStream(ctx context.Context, cmd *cli.Command) error {
	conversationID := cmd.String("conversation-id")
	if conversationID == "" {
		return cliError(exitUsage, "stream: --conversation-id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	url := fmt.Sprintf("%s/stream/%s", cmd.String("url"), conversationID)
	if n := cmd.Int("max-events"); n > 0 {
		url += "?max_events=" + strconv.Itoa(n)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cliError(exitStreamFailed, "stream: build request: %v", err)
	}
	if since := cmd.String("since"); since != "" {
		req.Header.Set("Last-Event-ID", since)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return cliError(exitTimeout, "stream: timed out connecting")
		}
		return cliError(exitStreamFailed, "stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cliError(exitStreamFailed, "stream: gateway returned %d", resp.StatusCode)
	}

	quiet := cmd.Bool("quiet")
	asJSON := cmd.Bool("json")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if asJSON {
			fmt.Println(data)
		}

		payload, err := streamevent.Unmarshal([]byte(data))
		if err != nil {
			continue
		}

		switch v := payload.(type) {
		case streamevent.TokenEvent:
			if !quiet && !asJSON {
				fmt.Print(v.Text)
			}
		case streamevent.OutputEvent:
			if quiet && !asJSON {
				fmt.Println(v.Text)
			} else if !asJSON {
				fmt.Println()
			}
			return nil
		case streamevent.ToolStepEvent:
			if !quiet && !asJSON {
				fmt.Fprintf(os.Stderr, "[tool: %s]\n", v.Name)
			}
		case streamevent.LogEvent:
			if !quiet && !asJSON {
				fmt.Fprintf(os.Stderr, "[log/%s] %s\n", v.Level, v.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return cliError(exitTimeout, "stream: timed out waiting for output")
		}
		return cliError(exitStreamFailed, "stream: %v", err)
	}
	if ctx.Err() != nil {
		return cliError(exitTimeout, "stream: timed out waiting for output")
	}
	return nil
}
