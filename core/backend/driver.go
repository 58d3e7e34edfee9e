// Package backend 定义两个播放后端（MPD 本地曲库、Spotify）的统一驱动接口
package backend

import (
	"context"
	"errors"
	"fmt"

	"JukeFM/model"
)

// ErrUnavailable 设备不可用或账号在别处使用，调用方应停止重试
var ErrUnavailable = errors.New("playback device unavailable")

// ErrTrackNotFound 曲库中没有该曲目或引用格式不正确
var ErrTrackNotFound = errors.New("track not found")

// UnavailableError 携带原始原因，原样展示给用户
type UnavailableError struct {
	Source model.Source
	Reason string
}

func (e *UnavailableError) Error() string {
	return e.Reason
}

// Is 让 errors.Is(err, ErrUnavailable) 成立
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable 构造不可用错误
func Unavailable(src model.Source, format string, args ...interface{}) error {
	return &UnavailableError{Source: src, Reason: fmt.Sprintf(format, args...)}
}

// Status 后端当前播放状态
type Status struct {
	Playing bool
	// OnTarget 正在使用指定的输出设备（MPD 始终为 true）
	OnTarget bool

	Elapsed  float64 // 秒
	Duration float64 // 秒
	TrackID  string

	Name    string
	Artists []string
	Album   string
	Images  []string

	DeviceName string
	Volume     int
}

// TimeLeft 当前曲目剩余秒数
func (s *Status) TimeLeft() float64 {
	return s.Duration - s.Elapsed
}

// Driver 播放后端驱动。每个调用都是一次网络/IPC 往返
type Driver interface {
	Source() model.Source
	CurrentStatus(ctx context.Context) (*Status, error)
	// EnqueueAndPlay 加入后端自身队列并确保开始播放
	EnqueueAndPlay(ctx context.Context, trackID string) error
	// AddToQueue 只加入后端队列，不强制播放（同后端续播使用）
	AddToQueue(ctx context.Context, trackID string) error
	// Lookup 查询曲目元数据
	Lookup(ctx context.Context, ref string) (*model.Track, error)
	SetVolume(ctx context.Context, percent int) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Previous(ctx context.Context) error
}

// Searcher 支持搜索的后端
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]*model.Track, error)
}

// PlaceholderImages 本地文件的占位封面，条目数与 Spotify 专辑图片列表一致
func PlaceholderImages(base string) []string {
	if base == "" {
		base = "static"
	}
	return []string{
		base + "/mp3_icon_600.png",
		base + "/mp3_icon_600.png",
		base + "/mp3_icon_64.png",
	}
}
