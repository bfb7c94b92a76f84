package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// CountyDefaults are the county-wide fallback factors used when a market
// segment is too sparse to isolate a marginal effect.
type CountyDefaults struct {
	Name                string  `json:"name" validate:"required"`
	BedroomValue        float64 `json:"bedroom_value" validate:"gte=0"`
	BathroomValue       float64 `json:"bathroom_value" validate:"gte=0"`
	LotValuePerAcre     float64 `json:"lot_value_per_acre" validate:"gte=0"`
	AgeDepreciationRate float64 `json:"age_depreciation_rate" validate:"gte=0,lte=0.02"`
	PoolPremium         float64 `json:"pool_premium" validate:"gte=0"`
	GaragePremium       float64 `json:"garage_premium" validate:"gte=0"`
	MonthlyAppreciation float64 `json:"monthly_appreciation" validate:"gte=-0.05,lte=0.05"`
}

// BuiltinCountyDefaults is used when no defaults file is configured.
var BuiltinCountyDefaults = CountyDefaults{
	Name:                "Loudoun County, VA",
	BedroomValue:        15000,
	BathroomValue:       12500,
	LotValuePerAcre:     80000,
	AgeDepreciationRate: 0.005,
	PoolPremium:         20000,
	GaragePremium:       15000,
	MonthlyAppreciation: 0.003,
}

// LoadCountyDefaults reads county defaults from a JSON file. Unknown fields
// are rejected. An empty path yields BuiltinCountyDefaults.
func LoadCountyDefaults(path string) (CountyDefaults, error) {
	if path == "" {
		return BuiltinCountyDefaults, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return CountyDefaults{}, fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return CountyDefaults{}, fmt.Errorf("failed to read county defaults: %w", err)
	}

	return ParseCountyDefaults(data)
}

func ParseCountyDefaults(data []byte) (CountyDefaults, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var defaults CountyDefaults
	if err := dec.Decode(&defaults); err != nil {
		return CountyDefaults{}, fmt.Errorf("failed to parse county defaults: %w", err)
	}
	if err := validator.New().Struct(defaults); err != nil {
		return CountyDefaults{}, fmt.Errorf("invalid county defaults: %w", err)
	}
	return defaults, nil
}
