package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"JukeFM/logger"
	"JukeFM/model"

	"github.com/fsnotify/fsnotify"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

const tokenFilePermission = 0600

var spotifyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]{22}$`)

// NewSpotifyAuthenticator 创建 OAuth 认证器，包含播放控制所需的权限
func NewSpotifyAuthenticator(clientID, clientSecret, redirectURL string) *spotifyauth.Authenticator {
	return spotifyauth.New(
		spotifyauth.WithRedirectURL(redirectURL),
		spotifyauth.WithScopes(
			spotifyauth.ScopeStreaming,
			spotifyauth.ScopeUserReadCurrentlyPlaying,
			spotifyauth.ScopeUserReadPlaybackState,
			spotifyauth.ScopeUserModifyPlaybackState,
		),
		spotifyauth.WithClientID(clientID),
		spotifyauth.WithClientSecret(clientSecret),
	)
}

// SpotifyDriver Spotify 播放驱动。所有播放指令都定向到配置的设备名
type SpotifyDriver struct {
	mu         sync.RWMutex
	client     *spotify.Client
	auth       *spotifyauth.Authenticator
	tokenPath  string
	deviceName string
}

var _ Driver = (*SpotifyDriver)(nil)

// NewSpotifyDriver 使用现成的 API 客户端创建驱动
func NewSpotifyDriver(client *spotify.Client, deviceName string) *SpotifyDriver {
	return &SpotifyDriver{client: client, deviceName: deviceName}
}

// NewSpotifyDriverFromToken 从令牌文件创建驱动，令牌由 `spotify auth` 命令写入
func NewSpotifyDriverFromToken(ctx context.Context, auth *spotifyauth.Authenticator, tokenPath, deviceName string) (*SpotifyDriver, error) {
	token, err := LoadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("spotify: load token %s: %w", tokenPath, err)
	}
	return &SpotifyDriver{
		client:     spotify.New(auth.Client(ctx, token)),
		auth:       auth,
		tokenPath:  tokenPath,
		deviceName: deviceName,
	}, nil
}

func (d *SpotifyDriver) Source() model.Source { return model.SourceStreaming }

func (d *SpotifyDriver) api() *spotify.Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client
}

// ReloadToken 重新读取令牌文件并替换 API 客户端
func (d *SpotifyDriver) ReloadToken(ctx context.Context) error {
	if d.auth == nil || d.tokenPath == "" {
		return errors.New("spotify: driver was not created from a token file")
	}
	token, err := LoadToken(d.tokenPath)
	if err != nil {
		return err
	}
	client := spotify.New(d.auth.Client(ctx, token))

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()

	logger.Info("Spotify 令牌已重新加载", logger.String("path", d.tokenPath))
	return nil
}

// WatchToken 监听令牌文件变化并自动重新加载，直到 ctx 结束
func (d *SpotifyDriver) WatchToken(ctx context.Context) error {
	if d.tokenPath == "" {
		return errors.New("spotify: no token path to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spotify: create watcher: %w", err)
	}
	// 监听目录而不是文件，编辑器和原子写入会替换文件
	if err := watcher.Add(filepath.Dir(d.tokenPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("spotify: watch %s: %w", d.tokenPath, err)
	}

	target := filepath.Clean(d.tokenPath)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := d.ReloadToken(ctx); err != nil {
					logger.Warn("重新加载 Spotify 令牌失败", logger.ErrorField(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("令牌文件监听出错", logger.ErrorField(err))
			}
		}
	}()
	return nil
}

func (d *SpotifyDriver) CurrentStatus(ctx context.Context) (*Status, error) {
	state, err := d.api().PlayerState(ctx)
	if err != nil {
		return nil, d.mapErr(fmt.Errorf("spotify: player state: %w", err))
	}

	st := &Status{}
	if state == nil {
		return st, nil
	}
	st.DeviceName = state.Device.Name
	st.OnTarget = state.Device.Name == d.deviceName
	st.Volume = int(state.Device.Volume)
	if state.Item == nil {
		return st, nil
	}

	st.Playing = state.Playing
	st.Elapsed = float64(state.Progress) / 1000
	st.Duration = float64(state.Item.Duration) / 1000
	st.TrackID = string(state.Item.ID)
	st.Name = state.Item.Name
	st.Album = state.Item.Album.Name
	for _, a := range state.Item.Artists {
		st.Artists = append(st.Artists, a.Name)
	}
	for _, img := range state.Item.Album.Images {
		st.Images = append(st.Images, img.URL)
	}
	return st, nil
}

// deviceID 找到目标设备。账号在其他设备上活跃或目标设备不在线时返回 ErrUnavailable
func (d *SpotifyDriver) deviceID(ctx context.Context) (spotify.ID, error) {
	devices, err := d.api().PlayerDevices(ctx)
	if err != nil {
		return "", d.mapErr(fmt.Errorf("spotify: devices: %w", err))
	}

	var id spotify.ID
	for _, dev := range devices {
		if dev.Active && dev.Name != d.deviceName {
			return "", Unavailable(model.SourceStreaming, "播放失败：Spotify 账号正在其他设备上使用：%s", dev.Name)
		}
		if dev.Name == d.deviceName {
			id = dev.ID
		}
	}
	if id == "" {
		return "", Unavailable(model.SourceStreaming, "%s 未登录 Spotify", d.deviceName)
	}
	return id, nil
}

func (d *SpotifyDriver) targetOptions(ctx context.Context) (*spotify.PlayOptions, error) {
	id, err := d.deviceID(ctx)
	if err != nil {
		return nil, err
	}
	return &spotify.PlayOptions{DeviceID: &id}, nil
}

func (d *SpotifyDriver) EnqueueAndPlay(ctx context.Context, trackID string) error {
	opts, err := d.targetOptions(ctx)
	if err != nil {
		return err
	}
	opts.URIs = []spotify.URI{trackURI(trackID)}
	if err := d.api().PlayOpt(ctx, opts); err != nil {
		return d.mapErr(fmt.Errorf("spotify: start playback %s: %w", trackID, err))
	}
	return nil
}

func (d *SpotifyDriver) AddToQueue(ctx context.Context, trackID string) error {
	opts, err := d.targetOptions(ctx)
	if err != nil {
		return err
	}
	if err := d.api().QueueSongOpt(ctx, spotify.ID(trackID), opts); err != nil {
		return d.mapErr(fmt.Errorf("spotify: queue %s: %w", trackID, err))
	}
	return nil
}

// Lookup 接受 track id、spotify:track:<id> URI 或 open.spotify.com 链接
func (d *SpotifyDriver) Lookup(ctx context.Context, ref string) (*model.Track, error) {
	id, err := ParseTrackRef(ref)
	if err != nil {
		return nil, err
	}
	full, err := d.api().GetTrack(ctx, spotify.ID(id))
	if err != nil {
		return nil, d.mapErr(fmt.Errorf("spotify: get track %s: %w", id, err))
	}
	return trackFromSpotify(full), nil
}

// Search 搜索曲目
func (d *SpotifyDriver) Search(ctx context.Context, query string, limit int) ([]*model.Track, error) {
	res, err := d.api().Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(limit))
	if err != nil {
		return nil, d.mapErr(fmt.Errorf("spotify: search: %w", err))
	}
	if res.Tracks == nil {
		return nil, nil
	}
	out := make([]*model.Track, 0, len(res.Tracks.Tracks))
	for i := range res.Tracks.Tracks {
		out = append(out, trackFromSpotify(&res.Tracks.Tracks[i]))
	}
	return out, nil
}

func (d *SpotifyDriver) SetVolume(ctx context.Context, percent int) error {
	opts, err := d.targetOptions(ctx)
	if err != nil {
		return err
	}
	return d.mapErr(d.api().VolumeOpt(ctx, percent, opts))
}

func (d *SpotifyDriver) Pause(ctx context.Context) error {
	opts, err := d.targetOptions(ctx)
	if err != nil {
		return err
	}
	return d.mapErr(d.api().PauseOpt(ctx, opts))
}

func (d *SpotifyDriver) Resume(ctx context.Context) error {
	opts, err := d.targetOptions(ctx)
	if err != nil {
		return err
	}
	return d.mapErr(d.api().PlayOpt(ctx, opts))
}

func (d *SpotifyDriver) Previous(ctx context.Context) error {
	opts, err := d.targetOptions(ctx)
	if err != nil {
		return err
	}
	return d.mapErr(d.api().PreviousOpt(ctx, opts))
}

// mapErr 把 "no active device" 类的 404 转为 ErrUnavailable，其余原样返回
func (d *SpotifyDriver) mapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr spotify.Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return &UnavailableError{Source: model.SourceStreaming, Reason: apiErr.Message}
	}
	return err
}

// ParseTrackRef 从 id、URI 或链接中提取 track id
func ParseTrackRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if id, ok := strings.CutPrefix(ref, "spotify:track:"); ok {
		ref = id
	} else if u, err := url.Parse(ref); err == nil && u.Host != "" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) >= 2 && parts[len(parts)-2] == "track" {
			ref = parts[len(parts)-1]
		}
	}
	if !spotifyIDRegex.MatchString(ref) {
		return "", fmt.Errorf("spotify: invalid track reference %q: %w", ref, ErrTrackNotFound)
	}
	return ref, nil
}

func trackURI(id string) spotify.URI {
	return spotify.URI("spotify:track:" + id)
}

func trackFromSpotify(full *spotify.FullTrack) *model.Track {
	t := &model.Track{
		ID:       string(full.ID),
		Source:   model.SourceStreaming,
		Duration: float64(full.Duration) / 1000,
		Name:     full.Name,
		Album:    full.Album.Name,
	}
	for _, a := range full.Artists {
		t.Artists = append(t.Artists, a.Name)
	}
	for _, img := range full.Album.Images {
		t.Images = append(t.Images, img.URL)
	}
	return t
}

// tokenFile 令牌文件结构
type tokenFile struct {
	Token *oauth2.Token `json:"token"`
}

// LoadToken 读取令牌文件
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("spotify: parse token file: %w", err)
	}
	if tf.Token == nil {
		return nil, errors.New("spotify: token file has no token")
	}
	return tf.Token, nil
}

// SaveToken 写入令牌文件
func SaveToken(path string, token *oauth2.Token) error {
	data, err := json.MarshalIndent(tokenFile{Token: token}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, tokenFilePermission)
}
