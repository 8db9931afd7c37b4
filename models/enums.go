package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProductType values are shared with the origination system and must not be renumbered.
type ProductType int

const (
	ProductBenefitCardRepresentative ProductType = 3
	ProductBenefitCard               ProductType = 7
	ProductPortability               ProductType = 12
	ProductComplementaryWithdrawal   ProductType = 14
	ProductPayrollCard               ProductType = 15
	ProductFreeMargin                ProductType = 16
	ProductPortabilityRefinancing    ProductType = 17
)

var productTypeNames = map[ProductType]string{
	ProductBenefitCardRepresentative: "BENEFIT_CARD_REPRESENTATIVE",
	ProductBenefitCard:               "BENEFIT_CARD",
	ProductPortability:               "PORTABILITY",
	ProductComplementaryWithdrawal:   "COMPLEMENTARY_WITHDRAWAL",
	ProductPayrollCard:               "PAYROLL_CARD",
	ProductFreeMargin:                "FREE_MARGIN",
	ProductPortabilityRefinancing:    "PORTABILITY_REFINANCING",
}

func (p ProductType) String() string {
	if n, ok := productTypeNames[p]; ok {
		return n
	}
	return fmt.Sprintf("ProductType(%d)", int(p))
}

func (p ProductType) IsValid() bool {
	_, ok := productTypeNames[p]
	return ok
}

// Kind returns the product record kind that backs a contract of this type.
func (p ProductType) Kind() (RecordKind, error) {
	switch p {
	case ProductBenefitCard, ProductBenefitCardRepresentative, ProductPayrollCard:
		return KindBenefitCard, nil
	case ProductComplementaryWithdrawal:
		return KindComplementaryWithdrawal, nil
	case ProductFreeMargin:
		return KindFreeMargin, nil
	case ProductPortability:
		return KindPortability, nil
	case ProductPortabilityRefinancing:
		return KindRefinancing, nil
	}
	return "", fmt.Errorf("unknown product type %d", int(p))
}

// RecordKind discriminates the product_records table.
type RecordKind string

const (
	KindBenefitCard             RecordKind = "BENEFIT_CARD"
	KindComplementaryWithdrawal RecordKind = "COMPLEMENTARY_WITHDRAWAL"
	KindFreeMargin              RecordKind = "FREE_MARGIN"
	KindPortability             RecordKind = "PORTABILITY"
	KindRefinancing             RecordKind = "REFINANCING"
)

// CoarseStatus is the cross-product summary of a contract. It is always
// derived from the fine status through CoarseFor.
type CoarseStatus int

const (
	CoarseCanceled       CoarseStatus = 0
	CoarseDigitation     CoarseStatus = 1
	CoarseDesk           CoarseStatus = 4
	CoarseInRegistration CoarseStatus = 5
	CoarsePaid           CoarseStatus = 6
	CoarseError          CoarseStatus = 9
)

var coarseNames = map[CoarseStatus]string{
	CoarseCanceled:       "CANCELED",
	CoarseDigitation:     "DIGITATION",
	CoarseDesk:           "DESK",
	CoarseInRegistration: "IN_REGISTRATION",
	CoarsePaid:           "PAID",
	CoarseError:          "ERROR",
}

func (c CoarseStatus) String() string {
	if n, ok := coarseNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CoarseStatus(%d)", int(c))
}

func (c CoarseStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *CoarseStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("coarse status must be string")
	}
	v, err := ParseCoarseStatus(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ParseCoarseStatus(s string) (CoarseStatus, error) {
	for k, n := range coarseNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid coarse status %q", s)
}
