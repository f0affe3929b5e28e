package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"trainsync/internal/auth"
	"trainsync/internal/config"
)

func newHashTokenCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "hash-token",
		Short: "Hash an API bearer token for the api_tokens config list",
		Long: `Prompt for an API token (input is hidden on a terminal), hash it with
Argon2id and print the api_tokens entry to paste into the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return writeTokenEntry(cmd.OutOrStdout(), name, token)
		},
	}

	cmd.Flags().StringVar(&name, "name", "default", "Name recorded with the token")
	return cmd
}

// readToken prompts twice with hidden input on a terminal, or reads the
// first line of a piped stdin.
func readToken(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Enter token:   ")
		first, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		fmt.Fprint(prompt, "Confirm token: ")
		second, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("tokens do not match")
		}
		return checkToken(string(first))
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return checkToken(line)
}

func checkToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token cannot be empty")
	}
	return token, nil
}

func writeTokenEntry(w io.Writer, name, token string) error {
	hash, err := auth.HashToken(token)
	if err != nil {
		return fmt.Errorf("hashing token: %w", err)
	}
	entry := struct {
		APITokens []config.TokenConfig `yaml:"api_tokens"`
	}{
		APITokens: []config.TokenConfig{{Name: name, Hash: hash}},
	}
	out, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
