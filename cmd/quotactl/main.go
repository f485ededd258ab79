// Command quotactl performs administrative actions against the usage ledger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/DukeRupert/riskquota/internal"
)

var rootCmd = &cobra.Command{
	Use:   "quotactl",
	Short: "Administer trials and usage quotas",
	Long: `quotactl runs administrative actions against the same ledger as the
server: extending trials, resetting a user's period, scoring abuse signals
and archiving old usage events.

Configuration is read from the environment and .env, as for the server.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(extendCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(abuseCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(catalogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads the configuration, opens the ledger and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *internal.App) error) error {
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}
	logger := internal.NewLogger(cmd.ErrOrStderr(), cfg.Env, cfg.LogLevel)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := internal.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
