package usage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatNumber formats large numbers with commas for readability, used by
// the CLI's usage summary output.
func FormatNumber(n int) string {
	str := strconv.Itoa(n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	for i, digit := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}
	return result.String()
}

// FormatCost formats a cost value as a currency string with 4 decimal places.
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.4f", cost)
}

func roundToFourDecimalPlaces(value float64) float64 {
	return math.Round(value*10000) / 10000
}
