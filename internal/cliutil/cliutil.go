// Package cliutil holds the cobra/viper plumbing shared by every service
// binary: root command, config discovery, init and version subcommands.
package cliutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zianncupcake/myfoods-backend/internal/version"
)

// ConfigDir is the directory under $HOME searched for service config files.
const ConfigDir = ".myfoods"

var cfgFile string

// NewRootCmd builds the root command for service. It registers --config and
// --log-level, the init and version subcommands, and any extra subcommands.
func NewRootCmd(service, short, defaultYAML string, sub ...*cobra.Command) *cobra.Command {
	root := &cobra.Command{
		Use:          service,
		Short:        short,
		SilenceUsage: true,
	}

	cobra.OnInitialize(func() { initConfig(service) })

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./"+service+".yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	BindFlag("log_level", root.PersistentFlags(), "log-level")

	root.AddCommand(sub...)
	root.AddCommand(newInitCmd(service, defaultYAML))
	root.AddCommand(newVersionCmd(service))
	return root
}

// Execute runs root and exits non-zero on error.
func Execute(root *cobra.Command) {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig(service string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName(service)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join(home, ConfigDir))
		viper.AddConfigPath("/etc/myfoods")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

// NewLogger returns a JSON slog logger tagged with the service name.
// Unknown levels fall back to info.
func NewLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

// BindFlag binds a pflag to a viper key and panics on programmer error.
func BindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

// SplitList splits a comma-separated config value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newInitCmd(service, defaultYAML string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/%s/%s.yaml.
Fails if the file already exists unless --force is passed.`, service, ConfigDir, service),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ConfigDir, service+".yaml")
			}
			if err := WriteDefaultConfig(dest, defaultYAML, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

// WriteDefaultConfig writes content to dest, creating parent directories.
// An existing file is an error unless force is set.
func WriteDefaultConfig(dest, content string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
	}

	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func newVersionCmd(service string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", service, version.Version)
			fmt.Fprintf(out, "  commit:     %s\n", version.GitCommit)
			fmt.Fprintf(out, "  built:      %s\n", version.BuildTime)
			fmt.Fprintf(out, "  go version: %s\n", version.GoVersion())
		},
	}
}
