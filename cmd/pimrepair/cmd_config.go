package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pimrepair/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pimrepair.yaml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (API key masked)",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolvePath(configPath)
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	// API keys stay in the environment or .env, never in the written file.
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", passStyle.Render("Wrote"), path)
	return nil
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	shown.LLM.APIKey = maskKey(cfg.LLM.APIKey)
	if shown.LLM.Model == "" {
		shown.LLM.Model = cfg.ResolvedModel()
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, shown)
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
