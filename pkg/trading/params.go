// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package trading holds the run parameters of the trading crew.
package trading

import (
	"strconv"
	"strings"

	"github.com/jllopis/tradecrew/pkg/core"
	"github.com/jllopis/tradecrew/pkg/errors"
)

// RiskTolerance is ordered from VeryLow to VeryHigh.
type RiskTolerance int

const (
	RiskVeryLow RiskTolerance = iota + 1
	RiskLow
	RiskMedium
	RiskHigh
	RiskVeryHigh
)

var riskNames = map[RiskTolerance]string{
	RiskVeryLow:  "Very Low",
	RiskLow:      "Low",
	RiskMedium:   "Medium",
	RiskHigh:     "High",
	RiskVeryHigh: "Very High",
}

func (r RiskTolerance) String() string {
	if s, ok := riskNames[r]; ok {
		return s
	}
	return "RiskTolerance(" + strconv.Itoa(int(r)) + ")"
}

// Valid reports whether r is one of the five levels.
func (r RiskTolerance) Valid() bool {
	_, ok := riskNames[r]
	return ok
}

// RiskTolerances returns every level in order.
func RiskTolerances() []RiskTolerance {
	return []RiskTolerance{RiskVeryLow, RiskLow, RiskMedium, RiskHigh, RiskVeryHigh}
}

// ParseRiskTolerance accepts the display names case-insensitively, with
// spaces, dashes or underscores between words.
func ParseRiskTolerance(s string) (RiskTolerance, error) {
	key := normalize(s)
	for r, name := range riskNames {
		if normalize(name) == key {
			return r, nil
		}
	}
	return 0, errors.Newf(errors.CodeInvalidInput, "unknown risk tolerance %q", s).
		WithContext("allowed", "Very Low, Low, Medium, High, Very High")
}

// Strategy is the trader's preferred style.
type Strategy string

const (
	StrategyDay      Strategy = "Day Trading"
	StrategySwing    Strategy = "Swing Trading"
	StrategyPosition Strategy = "Position Trading"
	StrategyScalping Strategy = "Scalping"
)

// Strategies returns every strategy.
func Strategies() []Strategy {
	return []Strategy{StrategyDay, StrategySwing, StrategyPosition, StrategyScalping}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	for _, v := range Strategies() {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStrategy accepts "Day Trading", "day-trading", "day" and similar.
func ParseStrategy(s string) (Strategy, error) {
	key := normalize(s)
	for _, v := range Strategies() {
		full := normalize(string(v))
		if key == full || key == strings.TrimSuffix(full, " trading") {
			return v, nil
		}
	}
	return "", errors.Newf(errors.CodeInvalidInput, "unknown trading strategy %q", s).
		WithContext("allowed", "Day Trading, Swing Trading, Position Trading, Scalping")
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

const (
	// MinCapital is the smallest accepted initial capital.
	MinCapital = 1000
	// DefaultCapital is used when no capital is given.
	DefaultCapital = 100000
	// DefaultSymbol is the instrument offered when none is given.
	DefaultSymbol = "AAPL"
)

// Context keys bound into the task templates.
const (
	KeyStockSelection            = "stock_selection"
	KeyInitialCapital            = "initial_capital"
	KeyRiskTolerance             = "risk_tolerance"
	KeyTradingStrategyPreference = "trading_strategy_preference"
	KeyNewsImpactConsideration   = "news_impact_consideration"
)

// Params is one analysis request.
type Params struct {
	Symbol        string
	Capital       int
	RiskTolerance RiskTolerance
	Strategy      Strategy
	NewsImpact    bool
}

// DefaultParams returns the defaults offered to the user.
func DefaultParams() Params {
	return Params{
		Symbol:        DefaultSymbol,
		Capital:       DefaultCapital,
		RiskTolerance: RiskMedium,
		Strategy:      StrategyDay,
		NewsImpact:    true,
	}
}

// Normalize upper-cases the symbol and fills unset enums with defaults.
func (p Params) Normalize() Params {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.RiskTolerance == 0 {
		p.RiskTolerance = RiskMedium
	}
	if p.Strategy == "" {
		p.Strategy = StrategyDay
	}
	return p
}

// Validate returns INVALID_INPUT for the first invalid field.
func (p Params) Validate() error {
	p = p.Normalize()
	if p.Symbol == "" {
		return errors.New(errors.CodeInvalidInput, "stock symbol is required", nil)
	}
	if strings.ContainsAny(p.Symbol, " \t{}") {
		return errors.Newf(errors.CodeInvalidInput, "invalid stock symbol %q", p.Symbol)
	}
	if p.Capital < MinCapital {
		return errors.Newf(errors.CodeInvalidInput, "initial capital must be at least %d", MinCapital).
			WithContext("capital", p.Capital)
	}
	if !p.RiskTolerance.Valid() {
		return errors.Newf(errors.CodeInvalidInput, "invalid risk tolerance %d", int(p.RiskTolerance))
	}
	if !p.Strategy.Valid() {
		return errors.Newf(errors.CodeInvalidInput, "invalid trading strategy %q", string(p.Strategy))
	}
	return nil
}

// ToContext validates p and maps it onto the template keys.
func (p Params) ToContext() (core.ExecutionContext, error) {
	if err := p.Validate(); err != nil {
		return core.ExecutionContext{}, err
	}
	p = p.Normalize()
	return core.NewExecutionContext(map[string]string{
		KeyStockSelection:            p.Symbol,
		KeyInitialCapital:            strconv.Itoa(p.Capital),
		KeyRiskTolerance:             p.RiskTolerance.String(),
		KeyTradingStrategyPreference: string(p.Strategy),
		KeyNewsImpactConsideration:   strconv.FormatBool(p.NewsImpact),
	}), nil
}
