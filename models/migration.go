package models

import "gorm.io/gorm"

// AllModels lists every table owned by this service.
func AllModels() []interface{} {
	return []interface{}{
		&Contract{}, &ProductRecord{}, &ProductParameter{},
		&StatusLedgerEntry{},
		&WithdrawalReturn{}, &ValidationRecord{},
		&ScheduledTask{},
		&ProviderExchange{},
	}
}

// legacyIndexes were replaced by narrower unique keys.
var legacyIndexes = []struct {
	model interface{}
	name  string
}{
	{&WithdrawalReturn{}, "uniq_withdrawal_return"},
}

func MigrateTable(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return err
	}
	m := db.Migrator()
	for _, ix := range legacyIndexes {
		if m.HasIndex(ix.model, ix.name) {
			if err := m.DropIndex(ix.model, ix.name); err != nil {
				return err
			}
		}
	}
	return nil
}
