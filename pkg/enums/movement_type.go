package enums

import "fmt"

// MovementType maps to the movement_type enum in Postgres.
type MovementType string

const (
	MovementAdjust  MovementType = "adjust"
	MovementReserve MovementType = "reserve"
	MovementSale    MovementType = "sale"
	MovementRelease MovementType = "release"
)

var validMovementTypes = []MovementType{
	MovementAdjust,
	MovementReserve,
	MovementSale,
	MovementRelease,
}

// IsValid reports whether the value matches the canonical movement_type enum.
func (m MovementType) IsValid() bool {
	for _, candidate := range validMovementTypes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseMovementType converts raw input into MovementType.
func ParseMovementType(value string) (MovementType, error) {
	for _, candidate := range validMovementTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid movement type %q", value)
}
