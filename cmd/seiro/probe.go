package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/seiro/internal/config"
	"github.com/jkaninda/seiro/internal/probe"
)

var probeConfigPath string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Print the toolchain facts the sandbox policy is evaluated against",
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

// probeReport is the JSON printed by `seiro probe`.
type probeReport struct {
	Mode                 string   `json:"mode"`
	Invocation           string   `json:"invocation"`
	SDKsRaw              []string `json:"sdks_raw"`
	SDKsNormalized       []string `json:"sdks_normalized"`
	MissingSDKs          []string `json:"missing_sdks,omitempty"`
	DeveloperModeEnabled *bool    `json:"developer_mode_enabled,omitempty"`
	LicenseAccepted      *bool    `json:"license_accepted,omitempty"`
	FreeDiskBytes        uint64   `json:"free_disk_bytes"`
	Notes                []string `json:"notes,omitempty"`
	Errors               []string `json:"errors,omitempty"`
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(probeConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	v := &cfg.VisionOS

	pr, err := probe.New(v.ProbeMode, v.XcodePath, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	rep := probeReport{Mode: pr.Mode()}
	inv, err := pr.ListSDKs(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, "list sdks: "+err.Error())
	}
	rep.Invocation = inv.Invocation
	rep.SDKsRaw = inv.Raw
	rep.Notes = inv.Notes
	rep.SDKsNormalized = probe.Normalize(inv.Raw, v.Aliases())
	rep.MissingSDKs = probe.Missing(v.RequiredSDKs, rep.SDKsNormalized)

	if ok, err := pr.DeveloperModeEnabled(ctx); err != nil {
		rep.Errors = append(rep.Errors, "developer mode: "+err.Error())
	} else {
		rep.DeveloperModeEnabled = &ok
	}
	if ok, err := pr.LicenseAccepted(ctx); err != nil {
		rep.Errors = append(rep.Errors, "license: "+err.Error())
	} else {
		rep.LicenseAccepted = &ok
	}
	if root, err := v.ResolveArtifactRoot(); err != nil {
		rep.Errors = append(rep.Errors, "artifact root: "+err.Error())
	} else if free, err := pr.FreeDiskBytes(ctx, root); err != nil {
		rep.Errors = append(rep.Errors, "free disk: "+err.Error())
	} else {
		rep.FreeDiskBytes = free
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
