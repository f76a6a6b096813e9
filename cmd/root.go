package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/treefix50/playsync/internal/config"
	"github.com/treefix50/playsync/internal/logger"
	"github.com/treefix50/playsync/internal/storage"
)

var (
	// Used for flags.
	cfgFile string
	conf    = config.Default()
	log     = logr.Discard()

	rootCmd = &cobra.Command{
		Use:           "playsync",
		Short:         "playsync keeps video playback state in sync across clients",
		Long:          `A single process server that synchronizes playback position, speed and volume per user and video, and writes it back to SQLite.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.playsync/config.toml)")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")

	_ = viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	setDefaults(viper.GetViper(), config.Default())
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// setDefaults registers every key so AutomaticEnv can resolve PLAYSYNC_*
// variables even when no config file mentions them.
func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.cert", d.HTTP.Cert)
	v.SetDefault("http.key", d.HTTP.Key)
	v.SetDefault("http.cors", d.HTTP.CORS)
	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("db.busy_timeout", d.DB.BusyTimeout)
	v.SetDefault("db.synchronous", d.DB.Synchronous)
	v.SetDefault("db.cache_size", d.DB.CacheSize)
	v.SetDefault("media.dir", d.Media.Dir)
	v.SetDefault("media.ffprobe", d.Media.FFprobe)
	v.SetDefault("media.max_upload_bytes", d.Media.MaxUploadBytes)
	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.cache_ttl", d.Auth.CacheTTL)
	v.SetDefault("auth.secure_cookie", d.Auth.SecureCookie)
	v.SetDefault("persist.interval", d.Persist.Interval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func initConfig() error {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("find home directory: %w", err)
		}
		viper.AddConfigPath(filepath.Join(home, ".playsync"))
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
	}
	viper.SetConfigType("toml")
	viper.SetEnvPrefix("PLAYSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	conf = config.Default()
	if err := viper.GetViper().Unmarshal(&conf); err != nil {
		return fmt.Errorf("load config %s: %w", viper.ConfigFileUsed(), err)
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	log = logger.Init(logger.Options{Level: conf.Log.Level, Format: conf.Log.Format})
	if used := viper.ConfigFileUsed(); used != "" {
		log.V(1).Info("using config file", "path", used)
	}
	return nil
}

// openStore opens the configured database, creating its directory first.
// Opening a writable store applies pending migrations.
func openStore() (*storage.Store, error) {
	if conf.DB.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(conf.DB.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	return storage.Open(conf.DB.Path, storage.Options{
		BusyTimeout: conf.DB.BusyTimeout,
		Synchronous: conf.DB.Synchronous,
		CacheSize:   conf.DB.CacheSize,
	})
}
