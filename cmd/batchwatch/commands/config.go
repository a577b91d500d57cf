package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/batchwatch/config"
	"github.com/teranos/batchwatch/errors"
)

// ConfigCmd groups configuration commands
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, initialise or edit configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective settings and where each one comes from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if _, err := loadConfig(); err != nil {
			return err
		}
		settings := config.Introspect()

		if jsonOutput {
			out, err := json.MarshalIndent(settings, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to encode settings")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}

		data := pterm.TableData{{"KEY", "VALUE", "SOURCE"}}
		for _, s := range settings {
			source := string(s.Source)
			if s.SourcePath != "" && s.Source != config.SourceDefault {
				source += " (" + s.SourcePath + ")"
			}
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), source})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Long: `Write a config file with the default settings.

secrets.key is never written; set BATCHWATCH_SECRET_KEY in the environment instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			path = config.UserConfigPath()
		}
		if path == "" {
			return errors.NewValidationError("cannot determine home directory, pass --path")
		}

		if err := config.WriteDefaults(path, force); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote %s\n", path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one setting in a config file",
	Long: `Set one setting in a config file, e.g.

  batchwatch config set engine.max_concurrency 20

A running engine picks up engine.* changes without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			path = ConfigFile
		}
		if path == "" {
			path = config.UserConfigPath()
		}
		if path == "" {
			return errors.NewValidationError("no config path: pass --path")
		}
		if args[0] == "secrets.key" {
			return errors.NewValidationError("secrets.key is not stored in config files; set BATCHWATCH_SECRET_KEY")
		}

		if err := config.SetValue(path, args[0], parseValue(args[1])); err != nil {
			return err
		}
		if _, err := config.LoadFromFile(path); err != nil {
			return errors.Wrapf(err, "%s now holds an invalid configuration", path)
		}
		pterm.Success.Printf("%s = %s in %s\n", args[0], args[1], path)
		return nil
	},
}

// parseValue keeps numbers and booleans typed in the TOML output
func parseValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func init() {
	configShowCmd.Flags().BoolP("json", "j", false, "Output settings as JSON")
	configInitCmd.Flags().String("path", "", "Destination (default: ~/.batchwatch/config.toml)")
	configInitCmd.Flags().Bool("force", false, "Replace an existing file (a backup is kept)")

	configSetCmd.Flags().String("path", "", "Config file to edit (default: --config, else ~/.batchwatch/config.toml)")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configSetCmd)
}
