package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/kestrelnet/kestreld/core"
	"github.com/kestrelnet/kestreld/state"
)

type areaRulesFile struct {
	Rules []state.AreaRule `yaml:"rules"`
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run kestreld on the current host",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		areaRulesPath, _ := cmd.Flags().GetString("area-rules")
		verbose, _ := cmd.Flags().GetBool("verbose")

		cfg, err := loadEngineConfig(configPath)
		if err != nil {
			return err
		}
		if err := state.EngineConfigValidator(&cfg); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		var areaRules []state.AreaRule
		if areaRulesPath != "" {
			areaRules, err = loadAreaRules(areaRulesPath)
			if err != nil {
				return err
			}
			if err := state.AreaRulesValidator(areaRules); err != nil {
				return fmt.Errorf("invalid area rules: %w", err)
			}
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		return core.Start(cfg, areaRules, level)
	},
}

func loadEngineConfig(path string) (state.EngineConfig, error) {
	var cfg state.EngineConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func loadAreaRules(path string) ([]state.AreaRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading area rules %s: %w", path, err)
	}
	var f areaRulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing area rules %s: %w", path, err)
	}
	return f.Rules, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "/etc/kestreld/config.yaml", "path to the node config file")
	runCmd.Flags().StringP("area-rules", "a", "", "path to an optional area-assignment rules file")
	runCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
}
