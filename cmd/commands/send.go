package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/ozzie/internal/envelope"
)

// exitUsage through exitStreamFailed are the CLI's documented exit codes.
const (
	exitOK           = 0
	exitTimeout      = 2
	exitSendFailed   = 3
	exitStreamFailed = 4
	exitUsage        = 5
)

// cliError carries an explicit process exit code alongside a message,
// matching urfave/cli/v3's cli.Exit convention.
func cliError(code int, format string, args ...any) error {
	return cli.Exit(fmt.Sprintf(format, args...), code)
}

// NewSendCommand returns the send subcommand: POST a validated envelope to
// the gateway's /send endpoint.
func NewSendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Publish a message envelope to the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Gateway base URL", Value: "http://127.0.0.1:18420"},
			&cli.StringFlag{Name: "conversation-id", Aliases: []string{"c"}, Usage: "Conversation ID"},
			&cli.StringFlag{Name: "sender", Usage: "Sender address, e.g. user:u1", Value: "user:cli"},
			&cli.StringFlag{Name: "recipient", Aliases: []string{"r"}, Usage: "Recipient address, e.g. agent:A"},
			&cli.StringFlag{Name: "content", Usage: "Message content (omit to use --secret or a positional arg)"},
			&cli.BoolFlag{Name: "secret", Usage: "Prompt for content on the terminal without echoing it"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Suppress non-essential output"},
			&cli.BoolFlag{Name: "json", Usage: "Print the raw JSON response"},
		},
		Action: runSend,
	}
}

func runSend(ctx context.Context, cmd *cli.Command) error {
	recipient := cmd.String("recipient")
	conversationID := cmd.String("conversation-id")
	if recipient == "" || conversationID == "" {
		return cliError(exitUsage, "send: --conversation-id and --recipient are required")
	}

	content := cmd.String("content")
	if content == "" && cmd.Args().Len() > 0 {
		content = cmd.Args().First()
	}
	if cmd.Bool("secret") {
		fmt.Fprint(os.Stderr, "content: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return cliError(exitUsage, "send: read secret: %v", err)
		}
		content = string(raw)
	}
	if content == "" {
		return cliError(exitUsage, "send: no content given (use --content, --secret, or a positional argument)")
	}

	env := envelope.New("", conversationID, cmd.String("sender"), recipient, envelope.TypeMessage, content, nil)
	body, err := env.Marshal()
	if err != nil {
		return cliError(exitUsage, "send: marshal envelope: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cmd.String("url")+"/send", bytes.NewReader(body))
	if err != nil {
		return cliError(exitSendFailed, "send: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return cliError(exitSendFailed, "send: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return cliError(exitSendFailed, "send: gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	if cmd.Bool("json") {
		fmt.Println(string(respBody))
	} else if !cmd.Bool("quiet") {
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			fmt.Printf("sent %s to %s (conversation %s)\n", parsed.ID, recipient, conversationID)
		}
	}
	return nil
}
