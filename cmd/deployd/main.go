package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"deployd/internal/config"
	"deployd/internal/worker"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "deployd: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "deployd",
		Short:         "Deploy ML inference workers and stream their progress",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("DEPLOYD_CONFIG"), "config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file applied before DEPLOYD_* variables")

	root.AddCommand(newServeCmd(opts), newConfigCmd(opts), newTemplatesCmd(opts), newVersionCmd())
	return root
}

// loadConfig layers defaults, the config file and the environment.
// Command flags are applied by the caller before validation.
func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}
	config.EnvFile = opts.envFile
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	var format string
	var showSecrets bool
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = redact(cfg)
			}
			b, err := config.Encode(cfg, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	printCmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml|json|toml")
	printCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print tokens and keys unmasked")
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.AddCommand(printCmd, validate)
	return cmd
}

func redact(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "****"
		}
	}
	mask(&cfg.HF.Token)
	mask(&cfg.S3.SecretAccessKey)
	return cfg
}

func newTemplatesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "templates", Short: "Inspect worker templates"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Resolve each template command on PATH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			missing := 0
			for _, c := range worker.SanityCheck(cfg.WorkerTemplates()) {
				status := "ok"
				if !c.Found {
					status = "missing"
					missing++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-8s %s %s\n", c.Kind, status, c.Command, c.Path)
			}
			if missing > 0 {
				return fmt.Errorf("%d template command(s) not found", missing)
			}
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deployd %s (%s) %s\n", version, commit, runtime.Version())
		},
	}
}
