// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

const (
	minMobileDigits = 8
	maxMobileDigits = 15
)

// IsValidMobile проверяет, что номер телефона записан в формате E.164.
func IsValidMobile(mobile string) bool {
	if !strings.HasPrefix(mobile, "+") {
		return false
	}

	digits := mobile[1:]
	if len(digits) < minMobileDigits || len(digits) > maxMobileDigits {
		return false
	}

	for i, ch := range digits {
		if !unicode.IsDigit(ch) {
			return false
		}
		if i == 0 && ch == '0' {
			return false
		}
	}

	return true
}

// MaskMobile скрывает все цифры номера, кроме четырёх последних.
func MaskMobile(mobile string) string {
	if len(mobile) <= 4 {
		return mobile
	}

	visible := mobile[len(mobile)-4:]
	return strings.Repeat("*", len(mobile)-4) + visible
}
