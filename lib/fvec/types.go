package fvec

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("fvec")

// VecType is the logical type of the values of a Vec.
type VecType uint8

const (
	TypeBad         VecType = iota // every row is NA
	TypeNumeric                    // float64 values
	TypeInteger                    // int64 values
	TypeCategorical                // codes into the Vec's domain
	TypeString                     // arbitrary strings
	TypeTime                       // int64 milliseconds since the unix epoch
	TypeUUID                       // 128 bit identifiers
)

var vecTypeNames = [...]string{
	TypeBad:         "Bad",
	TypeNumeric:     "Numeric",
	TypeInteger:     "Integer",
	TypeCategorical: "Categorical",
	TypeString:      "String",
	TypeTime:        "Time",
	TypeUUID:        "UUID",
}

func (t VecType) String() string {
	if int(t) < len(vecTypeNames) {
		return vecTypeNames[t]
	}
	return fmt.Sprintf("VecType(%d)", t)
}

// ParseVecType returns the type with the given name.
func ParseVecType(s string) (VecType, error) {
	for i, name := range vecTypeNames {
		if name == s {
			return VecType(i), nil
		}
	}
	return TypeBad, fmt.Errorf("unknown vec type %q", s)
}

func (t VecType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *VecType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVecType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// IsNumeric reports whether the values of the type are numbers (integers and time included).
func (t VecType) IsNumeric() bool {
	return t == TypeNumeric || t == TypeInteger || t == TypeTime
}

// isIntegral reports whether values of the type are stored as exact int64.
func (t VecType) isIntegral() bool {
	return t == TypeInteger || t == TypeTime || t == TypeCategorical
}

// NA is the float representation of a missing value.
var NA = math.NaN()

// IsNA reports whether f is the missing value.
func IsNA(f float64) bool { return math.IsNaN(f) }
