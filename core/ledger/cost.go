package ledger

// DefaultLongTrackSeconds 达到该时长的曲目按长曲计费
const DefaultLongTrackSeconds = 300

// CostPolicy 点歌计费规则，必须与 BILL 账本期望的扣费额一致
type CostPolicy struct {
	LongTrackSeconds float64
}

// Cost 计算点歌费用：队列为空（开场第一首）或管理员免费；长曲 2 分，其余 1 分
func (p CostPolicy) Cost(duration float64, queueNonEmpty, isAdmin bool) int {
	if !queueNonEmpty || isAdmin {
		return 0
	}
	threshold := p.LongTrackSeconds
	if threshold <= 0 {
		threshold = DefaultLongTrackSeconds
	}
	if duration >= threshold {
		return 2
	}
	return 1
}

// Cost 使用默认阈值计费
func Cost(duration float64, queueNonEmpty, isAdmin bool) int {
	return CostPolicy{LongTrackSeconds: DefaultLongTrackSeconds}.Cost(duration, queueNonEmpty, isAdmin)
}
