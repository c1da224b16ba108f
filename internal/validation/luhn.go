// Package validation проверяет входные данные запросов.
package validation

// MaxOrderNumberLen ограничивает длину номера заказа.
const MaxOrderNumberLen = 64

// IsValidOrderNumber сообщает, состоит ли номер только из цифр и сходится ли контрольная сумма Луна.
func IsValidOrderNumber(number string) bool {
	n := len(number)
	if n == 0 || n > MaxOrderNumberLen {
		return false
	}

	sum := 0
	parity := n % 2
	for i := 0; i < n; i++ {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if i%2 == parity {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
