package models

import (
	"fmt"
	"math"
)

// Micros is an amount of US dollars in millionths. All spend accounting uses
// integer micros so cap comparisons are exact.
type Micros int64

const MicrosPerUSD Micros = 1_000_000

// MicrosFromUSD converts a dollar amount, rounding to the nearest micro.
func MicrosFromUSD(usd float64) Micros {
	return Micros(math.Round(usd * float64(MicrosPerUSD)))
}

// USD returns the amount in dollars.
func (m Micros) USD() float64 {
	return float64(m) / float64(MicrosPerUSD)
}

func (m Micros) String() string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s$%d.%06d", sign, m/MicrosPerUSD, m%MicrosPerUSD)
}
