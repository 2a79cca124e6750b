package journal

import (
	"fmt"

	"github.com/xraph/tollgate/types"
)

// BasisPoints is the denominator of a Split.
const BasisPoints = 10000

// DefaultSplit pays 80% to the operator and 20% to the platform.
var DefaultSplit = Split{OperatorBasisPoints: 8000}

// Split divides a charge between the operator and the platform.
type Split struct {
	OperatorBasisPoints int64 `json:"operator_basis_points" yaml:"operator_basis_points"`
}

// NewSplit builds a split from an operator percentage such as 80.
func NewSplit(operatorPercent int64) (Split, error) {
	s := Split{OperatorBasisPoints: operatorPercent * 100}
	return s, s.Validate()
}

// Validate checks the ratio lies within [0, 100%].
func (s Split) Validate() error {
	if s.OperatorBasisPoints < 0 || s.OperatorBasisPoints > BasisPoints {
		return fmt.Errorf("journal: operator share %d bps out of range", s.OperatorBasisPoints)
	}
	return nil
}

// Apply splits total. The operator share is rounded down to the minor unit
// and the remainder goes to the platform, so the shares always sum to total.
func (s Split) Apply(total types.Money) (operator, platform types.Money) {
	if total.IsNegative() {
		op, pl := s.Apply(total.Negate())
		return op.Negate(), pl.Negate()
	}
	operator = total.Fraction(s.OperatorBasisPoints, BasisPoints)
	platform = total.Subtract(operator)
	return operator, platform
}
