package utils

// ValidateCardNumber checks a bank card number with the Luhn algorithm.
// Used when a representative attaches a card number to their profile.
func ValidateCardNumber(number string) bool {
	digits := make([]int, 0, len(number))
	for _, r := range number {
		if r < '0' || r > '9' {
			return false
		}
		digits = append(digits, int(r-'0'))
	}
	if len(digits) == 0 {
		return false
	}

	sum := 0
	parity := len(digits) % 2
	for i, digit := range digits {
		if i%2 == parity {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
	}

	return sum%10 == 0
}
