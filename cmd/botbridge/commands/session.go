package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/botbridge/pkg/botbridge/sessionstore"
)

// newSessionCmd creates `botbridge session`, which manages stored blobs.
// Bots must not be running against the same store while a blob is
// imported or cleared.
func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Export, import or clear stored bot sessions",
	}
	export := &cobra.Command{
		Use:   "export <bot-id>",
		Short: "Write a stored session blob to stdout or --out",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionExport,
	}
	export.Flags().StringP("out", "o", "", "file to write instead of stdout")

	cmd.AddCommand(
		export,
		&cobra.Command{
			Use:   "import <bot-id> <file>",
			Short: "Store a session blob read from a file (- for stdin)",
			Args:  cobra.ExactArgs(2),
			RunE:  runSessionImport,
		},
		&cobra.Command{
			Use:   "clear <bot-id>",
			Short: "Delete a stored session; the bot logs in fresh",
			Args:  cobra.ExactArgs(1),
			RunE:  runSessionClear,
		},
	)
	return cmd
}

// openStore opens the session store of the resolved configuration.
func openStore(cmd *cobra.Command) (sessionstore.Store, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logging := cfg.Logging
	if !verbose {
		logging.Level = "warn"
	}
	return sessionstore.Open(cmd.Context(), cfg.Store, newLogger(logging, verbose, cmd.ErrOrStderr()))
}

func runSessionExport(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	blob, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if blob == nil {
		return fmt.Errorf("no stored session for %s", args[0])
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		_, err = cmd.OutOrStdout().Write(blob)
		return err
	}
	if err := os.WriteFile(out, blob, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "exported %d bytes to %s\n", len(blob), out)
	return nil
}

func runSessionImport(cmd *cobra.Command, args []string) error {
	var (
		blob []byte
		err  error
	)
	if args[1] == "-" {
		blob, err = io.ReadAll(cmd.InOrStdin())
	} else {
		blob, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	if len(blob) == 0 {
		return fmt.Errorf("refusing to import an empty session")
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(cmd.Context(), args[0], blob); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "imported %d bytes for %s\n", len(blob), args[0])
	return nil
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session cleared for %s\n", args[0])
	return nil
}
