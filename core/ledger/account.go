package ledger

import "fmt"

const pinLength = 4

// Account 通过身份校验的账户
type Account struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// ParseCode 拆分用户输入的 BILL 编码：最后四位是 PIN，其余是账户键
func ParseCode(code string) (key, pin string, err error) {
	if len(code) < 6 || len(code) > 8 || !isDigits(code) {
		return "", "", ErrInvalidCode
	}
	return code[:len(code)-pinLength], code[len(code)-pinLength:], nil
}

// ValidateKey 余额与扣费接口只接受四位数字账户键
func ValidateKey(key string) error {
	if len(key) != 4 || !isDigits(key) {
		return fmt.Errorf("%w: %q", ErrInvalidAccountKey, key)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
