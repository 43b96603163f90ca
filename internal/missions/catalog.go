package missions

import (
	"fmt"
	"sort"
	"strings"
)

// Kind describes how completion of a mission is established.
type Kind string

const (
	// KindSocial missions are social actions proven by a link or screenshot.
	KindSocial Kind = "social"
	// KindProof missions require free-form proof reviewed by an admin.
	KindProof Kind = "proof"
	// KindWallet missions are verified directly against chain state.
	KindWallet Kind = "wallet"
)

// RequirementType enumerates on-chain gates for wallet missions.
type RequirementType string

const (
	RequirementBalance RequirementType = "balance"
	RequirementNFT     RequirementType = "nft"
)

// Requirement is the on-chain condition a wallet mission checks.
type Requirement struct {
	Type       RequirementType `mapstructure:"type" json:"type"`
	Contract   string          `mapstructure:"contract" json:"contract"`
	MinBalance string          `mapstructure:"min_balance" json:"minBalance"`
}

// Definition is a configured mission.
type Definition struct {
	ID          string       `mapstructure:"id" json:"id"`
	Title       string       `mapstructure:"title" json:"title"`
	Kind        Kind         `mapstructure:"kind" json:"kind"`
	BasePoints  int64        `mapstructure:"points" json:"points"`
	Requirement *Requirement `mapstructure:"requirement" json:"requirement,omitempty"`
	mission     Mission
}

// Mission returns the parsed mission reference.
func (d Definition) Mission() Mission {
	return d.mission
}

// Catalog indexes mission definitions by canonical key.
type Catalog struct {
	byKey map[string]Definition
	order []string
}

// NewCatalog validates definitions and builds a catalog.
func NewCatalog(definitions []Definition) (*Catalog, error) {
	catalog := &Catalog{byKey: make(map[string]Definition, len(definitions))}
	for _, definition := range definitions {
		mission, err := ParseMission(definition.ID)
		if err != nil {
			return nil, err
		}
		key := mission.Key()
		if _, exists := catalog.byKey[key]; exists {
			return nil, fmt.Errorf("%w: duplicate mission %s", ErrInvalidMission, key)
		}
		switch definition.Kind {
		case "":
			definition.Kind = KindProof
		case KindSocial, KindProof:
		case KindWallet:
			if definition.Requirement == nil || strings.TrimSpace(definition.Requirement.Contract) == "" {
				return nil, fmt.Errorf("%w: wallet mission %s needs a requirement contract", ErrInvalidMission, key)
			}
		default:
			return nil, fmt.Errorf("%w: mission %s has unknown kind %q", ErrInvalidMission, key, definition.Kind)
		}
		if definition.BasePoints < 0 {
			definition.BasePoints = 0
		}
		definition.mission = mission
		definition.ID = key
		catalog.byKey[key] = definition
		catalog.order = append(catalog.order, key)
	}
	sort.Strings(catalog.order)
	return catalog, nil
}

// Lookup resolves a mission by its canonical key.
func (c *Catalog) Lookup(mission Mission) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	definition, ok := c.byKey[mission.Key()]
	return definition, ok
}

// BasePoints returns the configured points for the mission, or zero when unknown.
func (c *Catalog) BasePoints(mission Mission) int64 {
	definition, ok := c.Lookup(mission)
	if !ok {
		return 0
	}
	return definition.BasePoints
}

// All returns the definitions sorted by key.
func (c *Catalog) All() []Definition {
	if c == nil {
		return nil
	}
	definitions := make([]Definition, 0, len(c.order))
	for _, key := range c.order {
		definitions = append(definitions, c.byKey[key])
	}
	return definitions
}

// DefaultDefinitions is the built-in campaign used when no catalog is configured.
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: "once:follow-x", Title: "Follow on X", Kind: KindSocial, BasePoints: 100},
		{ID: "once:join-discord", Title: "Join the Discord", Kind: KindSocial, BasePoints: 100},
		{ID: "once:write-thread", Title: "Write a thread", Kind: KindProof, BasePoints: 250},
		{ID: "daily:checkin", Title: "Daily check-in", Kind: KindSocial, BasePoints: 10},
		{ID: "weekly:share-update", Title: "Share the weekly update", Kind: KindSocial, BasePoints: 50},
	}
}
