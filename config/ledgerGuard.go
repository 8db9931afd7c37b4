package config

import (
	"fmt"

	"gorm.io/gorm"
)

// AppendOnly marks models whose rows may be inserted but never updated or deleted.
type AppendOnly interface {
	AppendOnlyTable() string
}

// LedgerGuardPlugin rejects UPDATE and DELETE statements aimed at append-only
// tables, including the ones issued through db.Table(...) that skip model hooks.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL.
type LedgerGuardPlugin struct {
	tables map[string]struct{}
}

func NewLedgerGuardPlugin(models ...AppendOnly) *LedgerGuardPlugin {
	p := &LedgerGuardPlugin{tables: map[string]struct{}{}}
	for _, m := range models {
		p.tables[m.AppendOnlyTable()] = struct{}{}
	}
	return p
}

func (p *LedgerGuardPlugin) Name() string { return "ledger_guard" }

func (p *LedgerGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("ledger_guard:update", p.guard("update")); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("ledger_guard:delete", p.guard("delete")); err != nil {
		return err
	}
	return nil
}

func (p *LedgerGuardPlugin) guard(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db == nil || db.Statement == nil {
			return
		}
		table := db.Statement.Table
		if table == "" && db.Statement.Schema != nil {
			table = db.Statement.Schema.Table
		}
		if _, ok := p.tables[table]; ok {
			_ = db.AddError(fmt.Errorf("immutable ledger: %s cannot %s", table, op))
		}
	}
}
