// Package cli implements the muawin command-line client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/muawin/muawin/pkg/batch"
	"github.com/muawin/muawin/pkg/filelist"
	"github.com/muawin/muawin/pkg/imagecompress"
	"github.com/muawin/muawin/pkg/logger"
	"github.com/muawin/muawin/pkg/session"
	"github.com/muawin/muawin/pkg/transport"
)

// Version is set by the main package.
var Version = "dev"

type ctxKey string

const appCtxKey ctxKey = "app"

// Options are the resolved client settings.
type Options struct {
	Server    string        `mapstructure:"server"`
	TokenFile string        `mapstructure:"token-file"`
	Category  string        `mapstructure:"category"`
	Zone      string        `mapstructure:"zone"`
	Branch    string        `mapstructure:"branch"`
	Verbose   bool          `mapstructure:"verbose"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
}

// app is what every subcommand works with.
type app struct {
	opts    *Options
	fs      afero.Fs
	session session.Context
	client  *transport.Client
}

// NewRootCommand creates the muawin command tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "muawin",
		Short:         "Browse and manage zone/branch document storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(cmd, cfgFile)
			if err != nil {
				return err
			}
			if opts.Verbose {
				logger.SetLevel(logger.LevelDebug)
			} else {
				logger.SetLevel(logger.LevelWarn)
			}
			logger.SetOutput(cmd.ErrOrStderr())
			logger.SetPrefix(cmd.Root().Name())

			fs := afero.NewOsFs()
			sess := session.NewFile(fs, opts.TokenFile)
			a := &app{
				opts:    opts,
				fs:      fs,
				session: sess,
				client: transport.New(transport.Config{
					BaseURL:     opts.Server,
					Timeout:     opts.Timeout,
					Session:     sess,
					ListRetries: 2,
				}),
			}
			logger.Debug("server %s, token file %s", opts.Server, opts.TokenFile)
			cmd.SetContext(context.WithValue(cmd.Context(), appCtxKey, a))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Config file (default ~/.muawin.yaml)")
	pf.String("server", "http://localhost:8080", "File service base URL")
	pf.String("token-file", defaultTokenFile(), "File holding the bearer token")
	pf.String("category", "", "Document category")
	pf.String("zone", "", "Zone (defaults to the zone in your token)")
	pf.String("branch", "", "Branch (defaults to the branch in your token)")
	pf.BoolP("verbose", "v", false, "Verbose output")
	pf.Duration("timeout", 30*time.Second, "Timeout for list and delete calls")
	pf.Int("workers", 1, "Parallel transfers per batch")

	rootCmd.AddCommand(listCommand())
	rootCmd.AddCommand(uploadCommand())
	rootCmd.AddCommand(removeCommand())
	rootCmd.AddCommand(getCommand())
	rootCmd.AddCommand(watchCommand())
	rootCmd.AddCommand(loginCommand())

	return rootCmd
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muawin-token"
	}
	return filepath.Join(home, ".muawin", "token")
}

// loadOptions layers flags over MUAWIN_* environment variables over the
// config file.
func loadOptions(cmd *cobra.Command, cfgFile string) (*Options, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("MUAWIN")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".muawin")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	opts.TokenFile = expandHome(opts.TokenFile)
	return &opts, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func appFrom(cmd *cobra.Command) *app {
	if a, ok := cmd.Context().Value(appCtxKey).(*app); ok {
		return a
	}
	return nil
}

// newView builds a file browser for the configured category.
func (a *app) newView() (*filelist.View, error) {
	if a.opts.Category == "" {
		return nil, errors.New("--category is required")
	}
	return filelist.New(filelist.Config{
		Category:   a.opts.Category,
		Session:    a.session,
		Remote:     a.client,
		Compressor: imagecompress.New(imagecompress.Options{}),
		Batch:      batch.New(batch.Options{Workers: a.opts.Workers}),
	})
}

// scope resolves zone and branch from flags, falling back to the token.
func (a *app) scope(v *filelist.View) (zone, branch string, err error) {
	zone, branch = a.opts.Zone, a.opts.Branch
	if zone != "" && branch != "" {
		return zone, branch, nil
	}
	if z, b, ok := v.DefaultScope(); ok {
		if zone == "" {
			zone = z
		}
		if branch == "" {
			branch = b
		}
		return zone, branch, nil
	}
	return "", "", errors.New("--zone and --branch are required")
}

// viewError prefers the view's notice, which is what a user should read.
func viewError(v *filelist.View, err error) error {
	if n := v.Notice(); n.Message != "" && n.Severity != filelist.SeverityInfo {
		return errors.New(n.Message)
	}
	return err
}

func stdout(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
