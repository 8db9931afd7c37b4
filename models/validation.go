package models

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertValidation writes the latest outcome of rule for the contract.
func UpsertValidation(tx *gorm.DB, contractID int, rule string, checked bool, detail string) error {
	rec := ValidationRecord{ContractID: contractID, RuleName: rule, Checked: checked, Detail: detail}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_id"}, {Name: "rule_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"checked", "detail", "updated_at"}),
	}).Create(&rec).Error
}

// LoadContractRecord fetches a contract together with its product record.
func LoadContractRecord(tx *gorm.DB, contractID int) (Contract, ProductRecord, error) {
	var c Contract
	if err := tx.First(&c, contractID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return Contract{}, ProductRecord{}, ErrRecordNotFound
		}
		return Contract{}, ProductRecord{}, err
	}
	var r ProductRecord
	if err := tx.Where("contract_id = ?", contractID).First(&r).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return Contract{}, ProductRecord{}, ErrRecordNotFound
		}
		return Contract{}, ProductRecord{}, err
	}
	return c, r, nil
}
