package config

import (
	"fmt"
	"math/big"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AssetConfig describes one asset in the sandbox market. Human-readable
// decimal strings are converted to the ledger's fixed-point conventions at
// load time: prices to 1e8, collateral factors to 1e18.
type AssetConfig struct {
	Symbol                    string `yaml:"symbol"`
	Address                   string `yaml:"address"`
	Decimals                  int32  `yaml:"decimals"`
	PriceUSD                  string `yaml:"price_usd"`
	BorrowCollateralFactor    string `yaml:"borrow_collateral_factor"`
	LiquidateCollateralFactor string `yaml:"liquidate_collateral_factor"`
}

// UserConfig seeds one sandbox account with starting balances, keyed by
// asset symbol in human units.
type UserConfig struct {
	Name     string            `yaml:"name"`
	Address  string            `yaml:"address"`
	Balances map[string]string `yaml:"balances"`
}

type ConsoleConfig struct {
	Base           AssetConfig   `yaml:"base"`
	Assets         []AssetConfig `yaml:"assets"`
	Users          []UserConfig  `yaml:"users"`
	Treasury       string        `yaml:"treasury"`
	MaxLeverageBps uint64        `yaml:"max_leverage_bps"`
	AavePremiumBps uint64        `yaml:"aave_premium_bps"`
	UniswapFeePips uint64        `yaml:"uniswap_fee_pips"`
}

// LoadConfig reads a configuration file from the given path and unmarshals
// it into a ConsoleConfig struct.
func LoadConfig(path string) (*ConsoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ConsoleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Scale returns 10^decimals for the asset.
func (a AssetConfig) Scale() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.Decimals)), nil)
}

// Price returns the asset's price scaled to 1e8.
func (a AssetConfig) Price() (*big.Int, error) {
	return shifted(a.PriceUSD, 8)
}

// BorrowFactor returns the borrow collateral factor scaled to 1e18.
func (a AssetConfig) BorrowFactor() (*big.Int, error) {
	return shifted(a.BorrowCollateralFactor, 18)
}

// LiquidateFactor returns the liquidation collateral factor scaled to 1e18.
func (a AssetConfig) LiquidateFactor() (*big.Int, error) {
	return shifted(a.LiquidateCollateralFactor, 18)
}

// ToUnits converts a human-readable decimal amount into the asset's
// smallest units.
func (a AssetConfig) ToUnits(amount string) (*big.Int, error) {
	return shifted(amount, a.Decimals)
}

// FromUnits renders an amount in smallest units as a human-readable
// decimal string.
func (a AssetConfig) FromUnits(amount *big.Int) string {
	return decimal.NewFromBigInt(amount, -a.Decimals).String()
}

func shifted(value string, exp int32) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", value, err)
	}
	return d.Shift(exp).BigInt(), nil
}
