package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/seiro/internal/config"
	"github.com/jkaninda/seiro/internal/service"
)

var (
	validateConfigPath string
	validateScheme     string
	validateSDKs       []string
	validateXcodePath  string
)

var validateCmd = &cobra.Command{
	Use:   "validate PROJECT_PATH",
	Short: "Run the sandbox policy checks for a project and print the result as JSON",
	Long: `Runs the same checks as the validate_sandbox_policy tool without starting a
server. Exits with status 2 when the policy refuses the project.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	validateCmd.Flags().StringVar(&validateScheme, "scheme", "", "scheme to check against the allowlist")
	validateCmd.Flags().StringSliceVar(&validateSDKs, "sdk", nil, "required SDKs (overrides the configured list)")
	validateCmd.Flags().StringVar(&validateXcodePath, "xcode-path", "", "developer directory to report")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(validateConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	out, verr := sc.Service.ValidateSandboxPolicy(ctx, service.ValidateInput{
		ProjectPath:  args[0],
		Scheme:       validateScheme,
		RequiredSDKs: validateSDKs,
		XcodePath:    validateXcodePath,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if verr != nil {
		return verr
	}
	if out.Status != "ok" {
		sc.Cleanup()
		os.Exit(2)
	}
	return nil
}
