package model

import (
	"fmt"
	"strings"
	"time"
)

// Source 曲目所属的播放后端
type Source int

const (
	SourceLocal     Source = iota + 1 // MPD 本地曲库
	SourceStreaming                   // Spotify
)

// String 实现 fmt.Stringer
func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSource 解析来源字符串，兼容旧前端使用的 "mpd" / "spotify"
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "mpd":
		return SourceLocal, nil
	case "streaming", "spotify", "track":
		return SourceStreaming, nil
	default:
		return 0, fmt.Errorf("unknown track source %q", s)
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (s Source) MarshalText() ([]byte, error) {
	switch s {
	case SourceLocal, SourceStreaming:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid track source %d", int(s))
	}
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (s *Source) UnmarshalText(text []byte) error {
	parsed, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Track 等待播放的队列条目
type Track struct {
	ID       string   `json:"id"` // 本地为文件路径，Spotify 为 track id
	Source   Source   `json:"source"`
	Duration float64  `json:"duration"` // 秒
	Name     string   `json:"name"`
	Artists  []string `json:"artists"`
	Album    string   `json:"album,omitempty"`
	Images   []string `json:"images,omitempty"`

	// Scheduled 已经下发（或已承诺下发）播放指令，防止重复调度
	Scheduled bool `json:"scheduled"`

	AddedBy string    `json:"addedBy,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// Clone 返回深拷贝，队列快照对外暴露时使用
func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	c := *t
	c.Artists = append([]string(nil), t.Artists...)
	c.Images = append([]string(nil), t.Images...)
	return &c
}

// DurationMs 时长（毫秒）
func (t *Track) DurationMs() int64 {
	return int64(t.Duration * 1000)
}
