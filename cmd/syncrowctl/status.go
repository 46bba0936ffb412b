package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/syncrow/syncrow/internal/ui"
	"github.com/syncrow/syncrow/internal/watcher"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List tracked tables and their last-sync times",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := watcher.Open(ctx, viper.GetString("database.driver"), viper.GetString("database.dsn"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	w := watcher.New(db, nil)
	tables, err := w.Tables(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	if len(tables) == 0 {
		fmt.Printf("%s no tables tracked\n", ui.RenderWarn("!"))
		return nil
	}

	fmt.Printf("%s tracked tables\n\n", ui.RenderAccent("i"))
	for _, t := range tables {
		fmt.Printf("  %-24s state=%-10s last_sync=%s\n", t.Name, t.State, t.LastSync.Format(time.RFC3339))
	}
	return nil
}
