// Package validator adjusts a requested order quantity down to what
// available margin or position size can support, or rejects it outright
// when the shortfall is too large to silently downsize.
package validator

import (
	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
)

const component = "validator"

// Config parameterizes the validator's tolerances.
type Config struct {
	Tolerance             float64
	ThresholdRatio        float64
	MaintenanceMarginRate float64
	MinContractSize       float64
}

// DefaultConfig returns the stock tolerances.
func DefaultConfig() Config {
	return Config{
		Tolerance:             1e-6,
		ThresholdRatio:        0.5,
		MaintenanceMarginRate: 0.005,
		MinContractSize:       0.001,
	}
}

// Validator adjusts and validates order quantities against available
// margin or position size before the order execution strategy submits them.
type Validator struct {
	cfg Config
}

// New creates a Validator with cfg.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateOpen adjusts quantity down to what marginBalance can support when
// opening a position at price with leverage, or returns an error when the
// margin shortfall exceeds ThresholdRatio, the adjusted quantity is below
// MinContractSize, or the resulting margin ratio would fall below
// MaintenanceMarginRate. It is side-independent: BUY_OPEN and SELL_OPEN
// share the same formula, differing only in which position the fill later
// accrues to — a decision the balance tracker makes, not the validator.
func (v *Validator) ValidateOpen(marginBalance, quantity, price, leverage float64) (float64, error) {
	requiredMargin := (quantity * price) / leverage

	if marginBalance < requiredMargin*v.cfg.ThresholdRatio {
		return 0, boterrors.New(boterrors.CategoryValidation, component, "ValidateOpen",
			"margin balance is far below the required margin").
			WithContext("margin_balance", marginBalance).
			WithContext("required_margin", requiredMargin).
			WithRetryable(false)
	}

	adjusted := quantity
	if requiredMargin > marginBalance {
		adjusted = (marginBalance - v.cfg.Tolerance) * leverage / price
		if adjusted < 0 {
			adjusted = 0
		}
		if adjusted <= 0 || (adjusted*price/leverage) < v.cfg.Tolerance {
			return 0, boterrors.New(boterrors.CategoryValidation, component, "ValidateOpen",
				"insufficient margin to open position").WithRetryable(false)
		}
	}

	if err := v.validateContractQuantity(adjusted); err != nil {
		return 0, err
	}
	if err := v.checkMarginRatio(marginBalance, adjusted, price, leverage); err != nil {
		return 0, err
	}
	return adjusted, nil
}

// ValidateClose clamps quantity to position's available size, or returns an
// error when position is far below the requested quantity (beyond
// ThresholdRatio). Used for both long and short closes.
func (v *Validator) ValidateClose(position, quantity float64) (float64, error) {
	if position < quantity*v.cfg.ThresholdRatio {
		return 0, boterrors.New(boterrors.CategoryValidation, component, "ValidateClose",
			"position is far below the required close quantity").
			WithContext("position", position).
			WithContext("requested", quantity).
			WithRetryable(false)
	}

	adjusted := quantity
	if position-v.cfg.Tolerance < adjusted {
		adjusted = position - v.cfg.Tolerance
	}
	if err := v.validateContractQuantity(adjusted); err != nil {
		return 0, err
	}
	return adjusted, nil
}

func (v *Validator) validateContractQuantity(quantity float64) error {
	if quantity <= 0 {
		return boterrors.New(boterrors.CategoryValidation, component, "validateContractQuantity",
			"contract quantity must be greater than zero").WithRetryable(false)
	}
	if quantity < v.cfg.MinContractSize {
		return boterrors.New(boterrors.CategoryValidation, component, "validateContractQuantity",
			"contract quantity below minimum contract size").
			WithContext("min_contract_size", v.cfg.MinContractSize).
			WithRetryable(false)
	}
	return nil
}

func (v *Validator) checkMarginRatio(marginBalance, quantity, price, leverage float64) error {
	positionValue := quantity * price
	marginRatio := marginBalance / (positionValue / leverage)
	if marginRatio < v.cfg.MaintenanceMarginRate {
		return boterrors.New(boterrors.CategoryValidation, component, "checkMarginRatio",
			"opening position would fall below maintenance margin rate").
			WithContext("margin_ratio", marginRatio).
			WithRetryable(false)
	}
	return nil
}
