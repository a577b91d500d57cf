package commands

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/secrets"
)

// SecretCmd groups credential management commands
var SecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted provider credentials",
	Long: `Manage encrypted provider credentials.

Values are encrypted with a key derived from BATCHWATCH_SECRET_KEY and are never
printed. Types: openai (batch status API key) and keboola (Storage API token).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var secretAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Store a credential",
	Long: `Store a credential.

The value is read from --value, or from standard input when --value is omitted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		value, _ := cmd.Flags().GetString("value")
		if value == "" {
			v, err := readValue(cmd)
			if err != nil {
				return err
			}
			value = v
		}

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		sec, err := rt.Secrets.Create(cmd.Context(), args[0], secrets.Type(typ), value)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Secret %q stored: %s\n", sec.Name, sec.ID)
		return nil
	},
}

func readValue(cmd *cobra.Command) (string, error) {
	if info, err := os.Stdin.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		pterm.Print("Value: ")
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.NewValidationError("no secret value given")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var secretLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List credentials (values are not shown)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		list, err := rt.Secrets.List(cmd.Context(), secrets.Type(typ))
		if err != nil {
			return err
		}
		if len(list) == 0 {
			pterm.Info.Println("No secrets found")
			return nil
		}

		data := pterm.TableData{{"ID", "NAME", "TYPE", "CREATED"}}
		for _, s := range list {
			data = append(data, []string{s.ID, s.Name, string(s.Type), formatTime(&s.CreatedAt)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var secretRmCmd = &cobra.Command{
	Use:   "rm <id-or-name>",
	Short: "Delete a credential not used by an unfinished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		sec, err := lookupSecret(cmd.Context(), rt.Secrets, args[0])
		if err != nil {
			return err
		}
		if err := rt.Secrets.Delete(cmd.Context(), sec.ID); err != nil {
			return err
		}
		pterm.Success.Printf("Secret %q deleted\n", sec.Name)
		return nil
	},
}

func lookupSecret(ctx context.Context, store *secrets.Store, idOrName string) (*secrets.Secret, error) {
	sec, err := store.Get(ctx, idOrName)
	if errors.IsNotFound(err) {
		return store.GetByName(ctx, idOrName)
	}
	return sec, err
}

func init() {
	secretAddCmd.Flags().String("type", "", "Secret type: openai or keboola (required)")
	secretAddCmd.Flags().String("value", "", "Secret value (default: read from stdin)")
	secretAddCmd.MarkFlagRequired("type")

	secretLsCmd.Flags().String("type", "", "Filter by type")

	SecretCmd.AddCommand(secretAddCmd)
	SecretCmd.AddCommand(secretLsCmd)
	SecretCmd.AddCommand(secretRmCmd)
}
