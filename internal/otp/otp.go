// Package otp генерирует одноразовые коды подтверждения.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// CodeLength задаёт ширину числового кода подтверждения.
	CodeLength = 6
	// MaxAttempts задаёт предел неуспешных попыток ввода кода на одну сессию.
	MaxAttempts = 3

	// DevCode возвращается генератором в режиме разработки вместо случайного кода.
	DevCode = "000000"
)

// Generator создаёт числовые коды подтверждения фиксированной длины.
type Generator struct {
	devMode bool
}

// NewGenerator создаёт генератор кодов. В режиме разработки генератор возвращает фиксированный код.
func NewGenerator(devMode bool) *Generator {
	return &Generator{devMode: devMode}
}

// Code возвращает новый код подтверждения из криптографически стойкого источника случайности.
func (g *Generator) Code() (string, error) {
	if g.devMode {
		return DevCode, nil
	}

	code := make([]byte, CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate otp digit: %w", err)
		}
		code[i] = byte('0' + n.Int64())
	}

	return string(code), nil
}
