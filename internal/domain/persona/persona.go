// Package persona validates persona-specific strategy configuration.
//
// The store keeps config_metadata as an opaque JSON object. Decode turns it into a
// tagged Config whose payload matches the strategy's persona; nothing past the
// registry boundary should read the raw map.
package persona

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
)

const op = "persona.decode"

// LongTerm configures buy-and-hold strategies.
type LongTerm struct {
	MinHoldDays       int             `json:"minHoldDays"`
	MaxPositionWeight decimal.Decimal `json:"maxPositionWeight"`
}

// Dividend configures income strategies.
type Dividend struct {
	MinYield             decimal.Decimal `json:"minYield"`
	ExDividendBufferDays int             `json:"exDividendBufferDays"`
}

// Trading configures intraday/swing strategies.
type Trading struct {
	MaxHoldMinutes  int             `json:"maxHoldMinutes"`
	StopLossPercent decimal.Decimal `json:"stopLossPercent"`
}

// Aggressive configures leveraged strategies.
type Aggressive struct {
	MaxLeverage decimal.Decimal `json:"maxLeverage"`
	AllowShort  bool            `json:"allowShort"`
}

// Emergency configures liquidation/override strategies.
type Emergency struct {
	Reason            string `json:"reason"`
	ExemptFromBreaker bool   `json:"exemptFromBreaker"`
}

// Config is the validated tagged variant. Exactly one payload matching Persona is set.
type Config struct {
	Persona    strategystore.PersonaType
	LongTerm   *LongTerm
	Dividend   *Dividend
	Trading    *Trading
	Aggressive *Aggressive
	Emergency  *Emergency
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Known reports whether the persona has a config shape.
func Known(p strategystore.PersonaType) bool {
	switch p {
	case strategystore.PersonaLongTerm, strategystore.PersonaDividend, strategystore.PersonaTrading,
		strategystore.PersonaAggressive, strategystore.PersonaEmergency:
		return true
	default:
		return false
	}
}

// Decode validates raw against the persona's shape. Unknown keys are rejected.
func Decode(p strategystore.PersonaType, raw map[string]any) (Config, error) {
	p = strategystore.PersonaType(strings.ToLower(strings.TrimSpace(string(p))))
	if !Known(p) {
		return Config{}, errs.Invalid(op, fmt.Sprintf("unknown persona type %q", p))
	}
	payload := []byte("{}")
	if len(raw) > 0 {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return Config{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("encode config metadata"), errs.WithCause(err))
		}
		payload = encoded
	}

	cfg := Config{Persona: p}
	var err error
	switch p {
	case strategystore.PersonaLongTerm:
		cfg.LongTerm = new(LongTerm)
		if err = strictUnmarshal(payload, cfg.LongTerm); err == nil {
			err = cfg.LongTerm.validate()
		}
	case strategystore.PersonaDividend:
		cfg.Dividend = new(Dividend)
		if err = strictUnmarshal(payload, cfg.Dividend); err == nil {
			err = cfg.Dividend.validate()
		}
	case strategystore.PersonaTrading:
		cfg.Trading = new(Trading)
		if err = strictUnmarshal(payload, cfg.Trading); err == nil {
			err = cfg.Trading.validate()
		}
	case strategystore.PersonaAggressive:
		cfg.Aggressive = new(Aggressive)
		if err = strictUnmarshal(payload, cfg.Aggressive); err == nil {
			err = cfg.Aggressive.validate()
		}
	case strategystore.PersonaEmergency:
		cfg.Emergency = new(Emergency)
		if err = strictUnmarshal(payload, cfg.Emergency); err == nil {
			err = cfg.Emergency.validate()
		}
	}
	if err != nil {
		return Config{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s config: %v", p, err)),
			errs.WithField("persona", string(p)))
	}
	return cfg, nil
}

// ExemptFromBreaker reports whether the circuit breaker must leave the strategy alone.
func (c Config) ExemptFromBreaker() bool {
	return c.Emergency != nil && c.Emergency.ExemptFromBreaker
}

// Encode renders the validated payload back to the storage representation.
func (c Config) Encode() (map[string]any, error) {
	var payload any
	switch {
	case c.LongTerm != nil:
		payload = c.LongTerm
	case c.Dividend != nil:
		payload = c.Dividend
	case c.Trading != nil:
		payload = c.Trading
	case c.Aggressive != nil:
		payload = c.Aggressive
	case c.Emergency != nil:
		payload = c.Emergency
	default:
		return map[string]any{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("persona: encode %s: %w", c.Persona, err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("persona: encode %s: %w", c.Persona, err)
	}
	return out, nil
}

func strictUnmarshal(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func (c *LongTerm) validate() error {
	if c.MinHoldDays < 0 {
		return fmt.Errorf("minHoldDays must be >= 0")
	}
	if c.MaxPositionWeight.IsNegative() || c.MaxPositionWeight.GreaterThan(one) {
		return fmt.Errorf("maxPositionWeight must be within [0,1]")
	}
	return nil
}

func (c *Dividend) validate() error {
	if c.MinYield.IsNegative() || c.MinYield.GreaterThanOrEqual(one) {
		return fmt.Errorf("minYield must be within [0,1)")
	}
	if c.ExDividendBufferDays < 0 {
		return fmt.Errorf("exDividendBufferDays must be >= 0")
	}
	return nil
}

func (c *Trading) validate() error {
	if c.MaxHoldMinutes < 0 {
		return fmt.Errorf("maxHoldMinutes must be >= 0")
	}
	if c.StopLossPercent.IsNegative() || c.StopLossPercent.GreaterThan(hundred) {
		return fmt.Errorf("stopLossPercent must be within [0,100]")
	}
	return nil
}

func (c *Aggressive) validate() error {
	if c.MaxLeverage.IsZero() {
		c.MaxLeverage = one
	}
	if c.MaxLeverage.LessThan(one) {
		return fmt.Errorf("maxLeverage must be >= 1")
	}
	return nil
}

func (c *Emergency) validate() error {
	c.Reason = strings.TrimSpace(c.Reason)
	return nil
}
