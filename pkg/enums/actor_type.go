package enums

import "fmt"

// ActorType maps to the actor_type enum in Postgres. It identifies who or
// what caused a stock movement.
type ActorType string

const (
	ActorMerchantUser ActorType = "merchant_user"
	ActorSystem       ActorType = "system"
	ActorIntegration  ActorType = "integration"
)

var validActorTypes = []ActorType{
	ActorMerchantUser,
	ActorSystem,
	ActorIntegration,
}

// IsValid reports whether the value matches the canonical actor_type enum.
func (a ActorType) IsValid() bool {
	for _, candidate := range validActorTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseActorType converts raw input into ActorType.
func ParseActorType(value string) (ActorType, error) {
	for _, candidate := range validActorTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor type %q", value)
}
