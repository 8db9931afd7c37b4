package main

import (
	"fmt"
	"strconv"

	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/spf13/cobra"
)

func parseID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func transitionCmd(open opener) *cobra.Command {
	var (
		status, coarse, reason, actor string
		expected                      int
	)
	cmd := &cobra.Command{
		Use:   "transition <contract-id>",
		Short: "Move a contract to a new status through the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := models.ParseStatus(status)
			if err != nil {
				return err
			}
			var targetCoarse *models.CoarseStatus
			if coarse != "" {
				c, err := models.ParseCoarseStatus(coarse)
				if err != nil {
					return err
				}
				targetCoarse = &c
			}
			db, err := open()
			if err != nil {
				return err
			}
			ctx := appctx.Set(cmd.Context(), appctx.ContextKeyActor, actor)
			_, rec, err := models.LoadContractRecord(db.WithContext(ctx), id)
			if err != nil {
				return err
			}
			updated, err := ledger.NewEngine(db, config.GetLogger()).Transition(ctx, ledger.Request{
				ContractID:      id,
				ProductRecordID: rec.ID,
				ExpectedVersion: expected,
				TargetCoarse:    targetCoarse,
				TargetFine:      target,
				Actor:           actor,
				Reason:          reason,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"contract_id":   id,
				"status":        updated.Status,
				"coarse_status": models.CoarseFor(updated.Status),
				"version":       updated.Version,
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status code")
	cmd.Flags().StringVar(&coarse, "coarse-status", "", "expected coarse status (optional)")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "version the operator read; 0 skips the check")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger")
	cmd.Flags().StringVar(&actor, "actor", "credit-ops", "actor recorded in the ledger")
	_ = cmd.MarkFlagRequired("status")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func historyCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "history <contract-id>",
		Short: "Print the status ledger of a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			entries, err := ledger.NewEngine(db, config.GetLogger()).History(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("%w: contract %d", models.ErrRecordNotFound, id)
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
}

func nextCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "next <contract-id>",
		Short: "List the statuses a contract can move to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			_, rec, err := models.LoadContractRecord(db.WithContext(cmd.Context()), id)
			if err != nil {
				return err
			}
			next := []map[string]interface{}{}
			for _, s := range models.NextStatuses(rec.Kind, rec.Status) {
				next = append(next, map[string]interface{}{"status": s, "label": s.Label()})
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"contract_id": id,
				"status":      rec.Status,
				"version":     rec.Version,
				"next":        next,
			})
		},
	}
}
