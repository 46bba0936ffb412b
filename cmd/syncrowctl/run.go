package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"log"

	"github.com/syncrow/syncrow"
	"github.com/syncrow/syncrow/internal/transform"
	"github.com/syncrow/syncrow/internal/ui"
	"github.com/syncrow/syncrow/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sign in, sync registered tables, and stay connected",
	Long: `Opens the local database, registers the tables listed under
[[tables]] in the config file, and runs the sync engine in the
foreground until interrupted with Ctrl+C.`,
	RunE: runRun,
}

func newLogger() *log.Logger {
	lj := &lumberjack.Logger{
		Filename:   viper.GetString("log.file"),
		MaxSize:    viper.GetInt("log.max_size_mb"),
		MaxBackups: viper.GetInt("log.max_backups"),
		MaxAge:     28,
		Compress:   true,
	}
	return log.New(lj, "[syncrowctl] ", log.LstdFlags)
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	keyB64 := viper.GetString("cloud.key")
	if keyB64 == "" {
		return fmt.Errorf("cloud.key is required (base64-encoded 32-byte symmetric key)")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(keyBytes) != 32 {
		return fmt.Errorf("cloud.key must decode to exactly 32 bytes")
	}
	var key [32]byte
	copy(key[:], keyBytes)

	userID := viper.GetString("account.user_id")
	if userID == "" {
		return fmt.Errorf("account.user_id is required")
	}

	credStore := newFileCredentialStore(viper.GetString("credentials.path"), logger)
	stopWatch := make(chan struct{})
	go credStore.watchForRotation(stopWatch)
	defer close(stopWatch)

	cfg := syncrow.Config{
		DriverName:  viper.GetString("database.driver"),
		DSN:         viper.GetString("database.dsn"),
		URL:         viper.GetString("cloud.url"),
		AccessKey:   viper.GetString("cloud.access_key"),
		DeviceName:  viper.GetString("account.device_name"),
		KeyProvider: transform.NewMemoryKeyProvider(key),
		CredentialExchange: func(ctx context.Context) (string, error) {
			return userID, nil
		},
		SigningSecret:   keyBytes,
		CredentialStore: credStore,
		Logger:          logger,
		RequestTimeout:  30 * time.Second,
		KeepaliveEvery:  time.Duration(viper.GetInt("cloud.keepalive_seconds")) * time.Second,
		MissedKeepalive: viper.GetInt("cloud.missed_keepalive"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	setup, err := syncrow.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open setup: %w", err)
	}

	tables := viper.Get("tables")
	for _, t := range toTableConfigs(tables) {
		opts := watcher.AddTableOptions{Fields: t.fields, PkeyColumn: t.pkeyColumn, PkeyType: t.pkeyType}
		if err := setup.AddTable(ctx, t.name, opts); err != nil {
			return fmt.Errorf("add table %q: %w", t.name, err)
		}
		fmt.Printf("%s tracking table %s\n", ui.RenderPass("+"), t.name)
	}

	fmt.Printf("%s starting engine, connecting to %s\n", ui.RenderAccent("→"), cfg.URL)
	setup.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Printf("%s shutting down\n", ui.RenderWarn("…"))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := setup.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	fmt.Printf("%s stopped\n", ui.RenderPass("✓"))
	return nil
}

type tableConfig struct {
	name       string
	fields     []string
	pkeyColumn string
	pkeyType   string
}

// toTableConfigs reads viper's untyped [[tables]] slice into tableConfig
// values; a malformed entry is skipped rather than failing the whole run.
func toTableConfigs(raw any) []tableConfig {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []tableConfig
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		tc := tableConfig{
			name:       name,
			pkeyColumn: stringField(m, "pkey_column"),
			pkeyType:   stringField(m, "pkey_type"),
		}
		if rawFields, ok := m["fields"].([]any); ok {
			for _, f := range rawFields {
				if s, ok := f.(string); ok {
					tc.fields = append(tc.fields, s)
				}
			}
		}
		out = append(out, tc)
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
