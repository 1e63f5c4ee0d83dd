package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/genmeter/internal/observability"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

const (
	flagLimit  = "limit"
	flagDryRun = "dry-run"
	flagUserID = "user-id"
	flagAmount = "amount"

	staleRefundReason = "stale transaction reconciled"
)

// staleLedger is the part of ledger.Service the reconcile command drives.
type staleLedger interface {
	ListStale(ctx context.Context, olderThanUnixUTC int64, limit int) ([]ledger.Transaction, error)
	Refund(ctx context.Context, transactionID ledger.TransactionID, reason string) (ledger.RefundResult, error)
}

type staleRecorder interface {
	StaleRefunded()
}

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Refund transactions stuck in processing or failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt(flagLimit)
			if err != nil {
				return err
			}
			dryRun, err := cmd.Flags().GetBool(flagDryRun)
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			handle, err := openStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer handle.close()
			if err := handle.migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			service, err := newLedgerService(handle.store, cfg, logger)
			if err != nil {
				return err
			}
			cutoff := time.Now().UTC().Add(-cfg.StaleAfter).Unix()
			refunded, err := reconcileStale(ctx, service, observability.NewMetrics(), logger, cutoff, limit, dryRun)
			fmt.Fprintf(cmd.OutOrStdout(), "refunded %d stale transaction(s)\n", refunded)
			return err
		},
	}
	cmd.Flags().Duration(flagStaleAfter, 0, "age after which an unsettled transaction is refunded")
	cmd.Flags().Int(flagLimit, 100, "maximum transactions to inspect")
	cmd.Flags().Bool(flagDryRun, false, "list stale transactions without refunding")
	return cmd
}

// reconcileStale refunds every stale transaction updated before cutoff and
// returns how many it refunded. It keeps going past individual failures.
func reconcileStale(ctx context.Context, service staleLedger, recorder staleRecorder, logger *zap.Logger, cutoff int64, limit int, dryRun bool) (int, error) {
	stale, err := service.ListStale(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}
	refunded := 0
	var firstErr error
	for _, transaction := range stale {
		fields := []zap.Field{
			zap.String("transaction_id", transaction.TransactionID.String()),
			zap.String("user_id", transaction.UserID.String()),
			zap.String("status", transaction.Status.String()),
			zap.Int64("updated_unix_utc", transaction.UpdatedUnixUTC),
		}
		if dryRun {
			logger.Info("stale transaction", fields...)
			continue
		}
		result, err := service.Refund(ctx, transaction.TransactionID, staleRefundReason)
		if err != nil {
			logger.Error("stale refund failed", append(fields, zap.Error(err))...)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !result.Refunded {
			continue
		}
		refunded++
		recorder.StaleRefunded()
		logger.Info("stale transaction refunded", append(fields, zap.Int64("balance_after", result.BalanceAfter.Int64()))...)
	}
	return refunded, firstErr
}

func newRechargeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recharge",
		Short: "Credit a user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rawUserID, err := cmd.Flags().GetString(flagUserID)
			if err != nil {
				return err
			}
			rawAmount, err := cmd.Flags().GetInt64(flagAmount)
			if err != nil {
				return err
			}
			userID, err := ledger.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			amount, err := ledger.NewPositiveCredits(rawAmount)
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			handle, err := openStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer handle.close()
			if err := handle.migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			service, err := newLedgerService(handle.store, cfg, logger)
			if err != nil {
				return err
			}
			balance, err := service.Recharge(ctx, userID, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %d\n", userID.String(), balance.Int64())
			return nil
		},
	}
	cmd.Flags().String(flagUserID, "", "user to credit")
	cmd.Flags().Int64(flagAmount, 0, "credits to add")
	_ = cmd.MarkFlagRequired(flagUserID)
	_ = cmd.MarkFlagRequired(flagAmount)
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			handle, err := openStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer handle.close()
			if err := handle.migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", handle.driver)
			return nil
		},
	}
}
