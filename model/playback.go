package model

// PlaybackState 由两个后端状态推导出的统一播放状态，每次都重新计算，不做缓存
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StateLocalPlaying
	StateStreamingPlaying
)

// String 实现 fmt.Stringer
func (s PlaybackState) String() string {
	switch s {
	case StateLocalPlaying:
		return "LOCAL_PLAYING"
	case StateStreamingPlaying:
		return "STREAMING_PLAYING"
	default:
		return "IDLE"
	}
}

// ActiveSource 返回正在播放的后端，空闲时 ok 为 false
func (s PlaybackState) ActiveSource() (Source, bool) {
	switch s {
	case StateLocalPlaying:
		return SourceLocal, true
	case StateStreamingPlaying:
		return SourceStreaming, true
	default:
		return 0, false
	}
}

// NowPlaying 当前播放视图，无论来源是本地还是 Spotify，结构保持一致
type NowPlaying struct {
	Source     Source     `json:"source"`
	Device     DeviceView `json:"device"`
	ProgressMs int64      `json:"progress_ms"`
	IsPlaying  bool       `json:"is_playing"`
	Item       ItemView   `json:"item"`
}

// DeviceView 输出设备
type DeviceView struct {
	Name          string `json:"name"`
	IsActive      bool   `json:"is_active"`
	VolumePercent int    `json:"volume_percent"`
}

// ItemView 正在播放的曲目
type ItemView struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	DurationMs int64        `json:"duration_ms"`
	Artists    []ArtistView `json:"artists"`
	Album      AlbumView    `json:"album"`
}

type ArtistView struct {
	Name string `json:"name"`
}

type AlbumView struct {
	Name   string      `json:"name,omitempty"`
	Images []ImageView `json:"images"`
}

type ImageView struct {
	URL string `json:"url"`
}

// TrackView 队列列表中的一项
type TrackView struct {
	ID         string       `json:"id"`
	Source     Source       `json:"source"`
	Name       string       `json:"name"`
	DurationMs int64        `json:"duration_ms"`
	Artists    []ArtistView `json:"artists"`
	Album      AlbumView    `json:"album"`
	Scheduled  bool         `json:"in_queue"`
	AddedBy    string       `json:"added_by,omitempty"`
}

// ToView 把队列条目转换为前端视图
func (t *Track) ToView() TrackView {
	return TrackView{
		ID:         t.ID,
		Source:     t.Source,
		Name:       t.Name,
		DurationMs: t.DurationMs(),
		Artists:    ArtistViews(t.Artists),
		Album:      AlbumView{Name: t.Album, Images: ImageViews(t.Images)},
		Scheduled:  t.Scheduled,
		AddedBy:    t.AddedBy,
	}
}

// ArtistViews 空列表时补一个空艺术家，保持与 Spotify 返回结构兼容
func ArtistViews(names []string) []ArtistView {
	if len(names) == 0 {
		return []ArtistView{{Name: ""}}
	}
	out := make([]ArtistView, len(names))
	for i, n := range names {
		out[i] = ArtistView{Name: n}
	}
	return out
}

func ImageViews(urls []string) []ImageView {
	out := make([]ImageView, len(urls))
	for i, u := range urls {
		out[i] = ImageView{URL: u}
	}
	return out
}
