package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/regattaflow/regatta/internal/backend"
	"github.com/regattaflow/regatta/internal/engine"
	"github.com/regattaflow/regatta/internal/store"
	"github.com/regattaflow/regatta/internal/ui"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "regatta",
	Short: "Offline-first cache and sync engine for race day",
	Long: `regatta manages the on-device race cache and mutation queue.

Race data (courses, venues, weather, tuning guides) is cached locally so
it stays available offline on the water. Mutations made offline (tracks,
race logs, results) queue durably and sync to the backend when
connectivity returns.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.regatta/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the local database (default: ~/.regatta/regatta.db)")
	rootCmd.PersistentFlags().String("backend-url", "", "backend base URL")
	rootCmd.PersistentFlags().String("api-key", "", "backend API key")
	rootCmd.PersistentFlags().String("log-file", "", "rotated log file (default: stderr)")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable styled output")

	for _, key := range []string{"db", "backend-url", "api-key", "log-file", "no-color"} {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}
}

// initConfig loads the config file and environment. Flags win over env,
// env wins over file.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".regatta"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("REGATTA")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// dbPath resolves the database location.
func dbPath() (string, error) {
	if p := viper.GetString("db"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".regatta")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "regatta.db"), nil
}

// newLogger builds the process logger. With log-file set it writes to a
// size-rotated file; otherwise to stderr.
func newLogger(prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if path := viper.GetString("log-file"); path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(w, prefix, log.LstdFlags)
}

// styles builds the output styles honoring --no-color.
func styles() ui.Styles {
	return ui.NewStyles(!viper.GetBool("no-color") && ui.ColorEnabled())
}

// newBackend builds the backend client from configuration.
func newBackend() (backend.Backend, error) {
	base := viper.GetString("backend-url")
	if base == "" {
		return nil, fmt.Errorf("backend URL not configured (--backend-url, REGATTA_BACKEND_URL, or config file)")
	}
	return backend.NewHTTP(backend.HTTPConfig{
		BaseURL: base,
		APIKey:  viper.GetString("api-key"),
		Timeout: 30 * time.Second,
	})
}

// probeBackend checks backend reachability once, for one-shot commands
// that report or use connectivity. False when no backend is configured.
func probeBackend(ctx context.Context) bool {
	base := viper.GetString("backend-url")
	if base == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

// openEngine opens the store and wires an engine for one-shot commands.
// The caller must invoke the returned cleanup.
func openEngine(online bool) (*engine.Engine, func(), error) {
	path, err := dbPath()
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var be backend.Backend
	if online {
		be, err = newBackend()
		if err != nil {
			st.Close()
			return nil, nil, err
		}
	} else {
		be = backend.NewMemory() // never reached offline
	}

	e := engine.New(st, be, engine.Config{
		InitialOnline: online,
		Logger:        newLogger("[regatta] "),
	})
	return e, func() { st.Close() }, nil
}
