package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/DukeRupert/riskquota/internal"
	"github.com/DukeRupert/riskquota/internal/catalog"
	"github.com/DukeRupert/riskquota/internal/domain"
)

// =============================================================================
// Trials
// =============================================================================

var (
	extendUntil string
	extendDays  int
	extendActor string
)

var extendCmd = &cobra.Command{
	Use:   "extend <user-id>",
	Short: "Extend an active or expired trial",
	Long: `Move a trial's expiry forward. Pass either --until with an RFC 3339
timestamp or --days to extend from now. An expired trial becomes active again;
used and converted trials cannot be extended.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", args[0], err)
		}
		expiresAt, err := extensionTarget(time.Now(), extendUntil, extendDays)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, app *internal.App) error {
			trial, err := app.Trials.ExtendTrial(ctx, userID, expiresAt, extendActor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), trial)
		})
	},
}

// extensionTarget resolves the --until and --days flags to an expiry.
func extensionTarget(now time.Time, until string, days int) (time.Time, error) {
	switch {
	case until != "" && days != 0:
		return time.Time{}, fmt.Errorf("use either --until or --days, not both")
	case until != "":
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --until: %w", err)
		}
		return t, nil
	case days > 0:
		return now.AddDate(0, 0, days), nil
	default:
		return time.Time{}, fmt.Errorf("one of --until or --days (> 0) is required")
	}
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire every overdue active trial now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *internal.App) error {
			ids, err := app.Trials.ExpireTrials(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d trial(s)\n", len(ids))
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		})
	},
}

// =============================================================================
// Quotas
// =============================================================================

var resetCmd = &cobra.Command{
	Use:   "reset <user-id>",
	Short: "Clear a user's usage counters for the current period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", args[0], err)
		}
		return withApp(cmd, func(ctx context.Context, app *internal.App) error {
			n, err := app.Quota.ResetPeriod(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d counter(s) for %s\n", n, userID)
			return nil
		})
	},
}

// =============================================================================
// Abuse
// =============================================================================

var abuseType string

var abuseCmd = &cobra.Command{
	Use:   "abuse <value>",
	Short: "Score an IP address or email domain for trial abuse",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := domain.IdentifierType(abuseType)
		if !kind.IsValid() {
			return fmt.Errorf("invalid --type %q (want %s or %s)", abuseType, domain.IdentifierIPAddress, domain.IdentifierEmailDomain)
		}
		return withApp(cmd, func(ctx context.Context, app *internal.App) error {
			score, err := app.Abuse.CheckAbuse(ctx, args[0], kind)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), score)
		})
	},
}

// =============================================================================
// Archive
// =============================================================================

var archiveMonth string

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Export a month of usage events to object storage and purge it",
	Long: `Without --month the oldest month past ARCHIVE_RETENTION_MONTHS is
archived, as the background job does. With --month YYYY-MM that month is
archived instead; it must also be past the retention window.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var month time.Time
		if archiveMonth != "" {
			m, err := time.Parse("2006-01", archiveMonth)
			if err != nil {
				return fmt.Errorf("invalid --month %q: %w", archiveMonth, err)
			}
			month = m
		}

		return withApp(cmd, func(ctx context.Context, app *internal.App) error {
			var (
				res any
				err error
			)
			if month.IsZero() {
				res, err = app.Archiver.ArchiveExpired(ctx)
			} else {
				res, err = app.Archiver.ArchiveMonth(ctx, month)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

// =============================================================================
// Catalog
// =============================================================================

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the tier catalog",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Load a catalog file and check tier monotonicity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			cat *catalog.Catalog
			err error
		)
		if len(args) == 1 {
			cat, err = catalog.LoadFile(args[0])
		} else {
			cat, err = catalog.Default()
		}
		if err != nil {
			return err
		}

		for _, t := range cat.Ordered() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s rank=%d features=%d sources=%d batch=%d\n",
				t.ID, t.Rank, len(t.Features), len(t.DataSources), t.MaxBatchSize)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "catalog ok")
		return nil
	},
}

func init() {
	extendCmd.Flags().StringVar(&extendUntil, "until", "", "new expiry (RFC 3339)")
	extendCmd.Flags().IntVar(&extendDays, "days", 0, "extend by this many days from now")
	extendCmd.Flags().StringVar(&extendActor, "actor", "quotactl", "name recorded in the audit log")

	abuseCmd.Flags().StringVar(&abuseType, "type", string(domain.IdentifierIPAddress), "identifier type: ip_address or email_domain")

	archiveCmd.Flags().StringVar(&archiveMonth, "month", "", "month to archive (YYYY-MM)")

	catalogCmd.AddCommand(catalogValidateCmd)
}
