package ledger

import "errors"

var (
	// ErrInvalidCode BILL 编码格式错误或身份校验失败
	ErrInvalidCode = errors.New("请检查 BILL 编码")
	// ErrInvalidAccountKey 账户键不是四位数字
	ErrInvalidAccountKey = errors.New("bill key is invalid")
	// ErrInsufficientCredit 余额不足以支付本次点歌
	ErrInsufficientCredit = errors.New("积分不足")
	// ErrChargeFailed 扣费失败；曲目已经下发，不回滚
	ErrChargeFailed = errors.New("扣除积分失败")
	// ErrLedgerUnreachable 账本服务连接失败，一律按失败处理
	ErrLedgerUnreachable = errors.New("无法连接 BILL 账本服务")
)
