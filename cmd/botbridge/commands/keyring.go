package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/botbridge/pkg/botbridge/config"
)

// newKeyringCmd creates `botbridge keyring`, which manages secrets in the
// OS keyring.
func newKeyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Store or delete secrets in the OS keyring",
		Long: `Secrets in the OS keyring fill empty configuration values at load time:

  store.passphrase       session store encryption passphrase
  gateway.auth_token     gateway bearer token
  bot.<id>.token         bot token (e.g. bot.support.token)`,
	}

	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret read from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Value for %s: ", args[0]))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := config.StoreKeyring(args[0], value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "stored %s\n", args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteKeyring(args[0]); err != nil {
				return fmt.Errorf("deleting secret: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

// readSecret reads a line without echo when in is a terminal, and a plain
// line otherwise (piped input).
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
