package main

import (
	"context"
	"fmt"
	"os"

	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/repository"
	"github.com/opensource-finance/vatcalc/internal/rulefile"
	"github.com/spf13/cobra"
)

var exportCountry string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage pricing rules",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Validate a YAML rule file and upsert its rules into the repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()

		n, err := importRules(cmd.Context(), repo, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("imported %d rules from %s\n", n, args[0])
		return nil
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a YAML rule file without importing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := rulefile.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d rules OK\n", args[0], len(list))
		return nil
	},
}

var rulesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the repository's rules as YAML to stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()

		list, err := repo.ListRules(cmd.Context(), exportCountry)
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}
		return rulefile.Encode(os.Stdout, list)
	},
}

func init() {
	rulesExportCmd.Flags().StringVar(&exportCountry, "country", "", "only export rules for this country code")

	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesExportCmd)
}

// importRules loads and validates a whole file before writing any rule.
func importRules(ctx context.Context, repo domain.Repository, path string) (int, error) {
	list, err := rulefile.Load(path)
	if err != nil {
		return 0, err
	}
	for _, r := range list {
		if err := repo.SaveRule(ctx, r); err != nil {
			return 0, fmt.Errorf("failed to save rule %s: %w", r.ID, err)
		}
	}
	return len(list), nil
}
