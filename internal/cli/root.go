// Package cli implements the weft CLI commands: one subcommand per facade
// operation, JSON out, SQLite-backed.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/embedding"
	"github.com/weftmem/weft/internal/reflectprovider"
	"github.com/weftmem/weft/internal/session"
	"github.com/weftmem/weft/internal/store"
)

var (
	dbPath      string
	sessionFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Session-scoped memory for conversational agents",
	Long:  "Observe conversation turns, group them into episodes, distill facts, and recall token-budgeted context. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $WEFT_DB or ~/.weft/weft.db)")
	RootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "default", "Session id")
}

func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if env := os.Getenv("WEFT_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".weft", "weft.db")
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(getDBPath())
}

// openSession builds an initialized Session over the local store, with
// providers drawn from the environment.
func openSession(ctx context.Context) (*session.Session, *store.SQLiteStore, error) {
	s, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	cfg := config.Default()
	sess, err := session.New(sessionFlag, s,
		session.WithConfig(cfg),
		session.WithEmbedder(embedding.NewFromEnv(cfg.Retry)),
		session.WithReflector(reflectprovider.NewFromEnv(cfg.Reflection.MaxFactsPerEpisode, cfg.Retry)),
	)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	if err := sess.Initialize(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	return sess, s, nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
