// Package queue 保存等待播放的曲目。
//
// Queue 自身不加锁：所有读写都由 jukebox 的同一个临界区串行化，
// 这样“裁剪 + 调度”总能看到一致的快照。
package queue

import (
	"JukeFM/model"
)

// Queue 先进先出的待播队列。队首之外的条目不会被标记为已调度
type Queue struct {
	items []*model.Track
}

// New 创建空队列
func New() *Queue {
	return &Queue{}
}

// Len 队列长度
func (q *Queue) Len() int {
	return len(q.items)
}

// IsEmpty 队列是否为空
func (q *Queue) IsEmpty() bool {
	return len(q.items) == 0
}

// Append 追加到队尾
func (q *Queue) Append(t *model.Track) {
	q.items = append(q.items, t)
}

// Head 返回队首，队列为空时返回 nil
func (q *Queue) Head() *model.Track {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// MarkHeadScheduled 标记队首已调度。队首为空或已调度时返回 nil, false
func (q *Queue) MarkHeadScheduled() (*model.Track, bool) {
	head := q.Head()
	if head == nil || head.Scheduled {
		return nil, false
	}
	head.Scheduled = true
	return head, true
}

// UnmarkScheduled 清除指定条目的调度标记（下发失败后让下一轮重试）。条目已不在队首时不处理
func (q *Queue) UnmarkScheduled(t *model.Track) {
	if head := q.Head(); head == t {
		head.Scheduled = false
	}
}

// Trim 删除 currentID 及其之前的所有条目，返回删除数量。
// 队列中没有 currentID 时不做任何修改，因此重复调用是幂等的
func (q *Queue) Trim(currentID string) int {
	if currentID == "" {
		return 0
	}
	for i, t := range q.items {
		if t.ID == currentID {
			n := i + 1
			clear(q.items[:n])
			q.items = q.items[n:]
			return n
		}
	}
	return 0
}

// Delete 按 id 删除第一个匹配的条目
func (q *Queue) Delete(id string) bool {
	for i, t := range q.items {
		if t.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Remove 按指针删除条目，同 id 的其他条目不受影响
func (q *Queue) Remove(t *model.Track) bool {
	for i, item := range q.items {
		if item == t {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Contains 队列中是否存在该 id
func (q *Queue) Contains(id string) bool {
	for _, t := range q.items {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Snapshot 返回深拷贝，调用方可以在锁外使用
func (q *Queue) Snapshot() []*model.Track {
	out := make([]*model.Track, len(q.items))
	for i, t := range q.items {
		out[i] = t.Clone()
	}
	return out
}

// Views 返回前端视图列表
func (q *Queue) Views() []model.TrackView {
	out := make([]model.TrackView, len(q.items))
	for i, t := range q.items {
		out[i] = t.ToView()
	}
	return out
}
