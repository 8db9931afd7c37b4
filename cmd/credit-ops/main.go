// credit-ops is the operator console of the credit backend: manual status
// transitions, ledger history, dead task replay and configuration checks.
//
// Usage (same DB_* env as the server):
//
//	go run ./cmd/credit-ops history 42
//	go run ./cmd/credit-ops transition 42 --status FINALIZADA_EMISSAO_CARTAO --expected-version 3 --reason "paid manually"
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// opener returns the database the commands work on.
type opener func() (*gorm.DB, error)

func connect() (*gorm.DB, error) {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, fmt.Errorf("database not initialized; set DB_* env vars")
	}
	if err := db.Use(config.NewLedgerGuardPlugin(models.StatusLedgerEntry{})); err != nil {
		return nil, err
	}
	return db, nil
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "credit-ops",
		Short:         "Operator console for credit contracts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(transitionCmd(open))
	root.AddCommand(historyCmd(open))
	root.AddCommand(nextCmd(open))
	root.AddCommand(replayTaskCmd(open))
	root.AddCommand(deadTasksCmd(open))
	root.AddCommand(checkConfigCmd())
	root.AddCommand(issueTokenCmd())
	root.AddCommand(hashKeyCmd())
	return root
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd(connect).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
