package domain

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// PlayerRecord is the latest score reported under one player name
type PlayerRecord struct {
	Name         string    `json:"name"`
	Score        float64   `json:"score"`
	ConnectionID string    `json:"socketId"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastUpdate   time.Time `json:"lastUpdate"`
}

// Fold casers are stateless and safe for concurrent use
var nameFolder = cases.Fold()

// NameKey returns the lookup key for a player name. Names that differ only in
// case or surrounding whitespace share a key.
func NameKey(name string) string {
	return nameFolder.String(strings.TrimSpace(name))
}

// ValidateName returns the trimmed name, or ErrInvalidName when nothing is left.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrInvalidName
	}
	return trimmed, nil
}

// ParseScore parses a score given either as a JSON number or as a numeric
// JSON string. Only finite values are accepted.
func ParseScore(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, ErrInvalidScore
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		var num json.Number
		if err := json.Unmarshal(raw, &num); err != nil {
			return 0, ErrInvalidScore
		}
		text = num.String()
	}
	return ParseScoreString(text)
}

// ParseScoreString parses a textual score the way a browser's Number() does:
// decimal and exponent forms, plus unsigned 0x, 0o and 0b integers. Digit
// separators and hexadecimal floats are rejected.
func ParseScoreString(text string) (float64, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsRune(text, '_') {
		return 0, ErrInvalidScore
	}

	if base := integerBase(text); base != 0 {
		return parsePrefixedInteger(text[2:], base)
	}
	if strings.ContainsAny(text, "xXpP") {
		return 0, ErrInvalidScore
	}

	score, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, ErrInvalidScore
	}
	return score, nil
}

// integerBase returns the base named by a 0x, 0o or 0b prefix, or 0
func integerBase(text string) int {
	if len(text) < 2 || text[0] != '0' {
		return 0
	}
	switch text[1] {
	case 'x', 'X':
		return 16
	case 'o', 'O':
		return 8
	case 'b', 'B':
		return 2
	}
	return 0
}

func parsePrefixedInteger(digits string, base int) (float64, error) {
	if digits == "" || digits[0] == '+' || digits[0] == '-' {
		return 0, ErrInvalidScore
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return 0, ErrInvalidScore
	}
	score, _ := new(big.Float).SetInt(n).Float64()
	if math.IsInf(score, 0) {
		return 0, ErrInvalidScore
	}
	return score, nil
}
