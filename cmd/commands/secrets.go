package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/ozzie/internal/config"
	"github.com/dohr-michael/ozzie/internal/models"
	"github.com/dohr-michael/ozzie/internal/secrets"
)

// NewSecretsCommand returns the secrets subcommand, the operator-facing
// counterpart to models.ResolveAuth's decryption path: `encrypt` turns a
// credential into the same ENC[age:...] blob ResolveAuth already
// understands, and `set` stores a credential in the .env file as plaintext,
// decrypting an ENC[age:...] value first. Adapted from the
// teacher's set_secret tool (an agent-invokable decrypt-then-persist
// action) into a plain CLI command, since concrete secret storage here is
// an operator concern rather than something a Runner should be able to
// trigger mid-conversation.
func NewSecretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage encrypted provider credentials",
		Commands: []*cli.Command{
			newSecretsInitCommand(),
			newSecretsSetCommand(),
			newSecretsEncryptCommand(),
		},
	}
}

func newSecretsInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Generate the age identity used to encrypt/decrypt secrets",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := secrets.KeyPath()
			if err := secrets.GenerateIdentity(path); err != nil {
				return cliError(exitUsage, "secrets init: %v", err)
			}
			identity, err := secrets.LoadIdentity(path)
			if err != nil {
				return cliError(exitUsage, "secrets init: %v", err)
			}
			fmt.Printf("identity ready at %s\npublic key: %s\n", path, identity.Recipient().String())
			return nil
		},
	}
}

func newSecretsEncryptCommand() *cli.Command {
	return &cli.Command{
		Name:  "encrypt",
		Usage: "Encrypt a value into an ENC[age:...] blob for pasting into config.jsonc",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "value", Usage: "Value to encrypt (omit to prompt without echoing)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			value := cmd.String("value")
			if value == "" {
				fmt.Fprint(os.Stderr, "value: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return cliError(exitUsage, "secrets encrypt: read value: %v", err)
				}
				value = string(raw)
			}
			if value == "" {
				return cliError(exitUsage, "secrets encrypt: no value given")
			}

			blob, err := secrets.EncryptWithStoredIdentity(value)
			if err != nil {
				return cliError(exitUsage, "secrets encrypt: %v", err)
			}
			fmt.Println(blob)
			return nil
		},
	}
}

func newSecretsSetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Store a credential in .env, decrypting it first if encrypted",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "value", Usage: "Value to store (omit to prompt without echoing)"},
			&cli.StringFlag{Name: "provider", Usage: "Provider driver name (anthropic, openai, gemini) instead of a raw NAME"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if provider := cmd.String("provider"); provider != "" {
				envVar, ok := models.ProviderEnvVar(provider)
				if !ok {
					return cliError(exitUsage, "secrets set: unknown provider %q", provider)
				}
				name = envVar
			}
			if name == "" {
				return cliError(exitUsage, "secrets set: NAME or --provider is required, e.g. `ozzie secrets set ANTHROPIC_API_KEY` or `ozzie secrets set --provider anthropic`")
			}

			value := cmd.String("value")
			if value == "" {
				fmt.Fprint(os.Stderr, "value: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return cliError(exitUsage, "secrets set: read value: %v", err)
				}
				value = string(raw)
			}
			if value == "" {
				return cliError(exitUsage, "secrets set: no value given")
			}

			if secrets.IsEncrypted(value) {
				identity, err := secrets.LoadIdentity(secrets.KeyPath())
				if err != nil {
					return cliError(exitUsage, "secrets set: load identity: %v", err)
				}
				plain, err := secrets.Decrypt(value, identity)
				if err != nil {
					return cliError(exitUsage, "secrets set: decrypt: %v", err)
				}
				value = plain
			}

			existed, err := secrets.HasEntry(config.DotenvPath(), name)
			if err != nil {
				return cliError(exitUsage, "secrets set: %v", err)
			}
			if err := secrets.SetEntry(config.DotenvPath(), name, value); err != nil {
				return cliError(exitUsage, "secrets set: %v", err)
			}
			verb := "stored"
			if existed {
				verb = "updated"
			}
			fmt.Printf("%s %s in %s\n", verb, name, config.DotenvPath())
			return nil
		},
	}
}
