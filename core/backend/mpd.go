package backend

import (
	"context"
	"fmt"
	"path"
	"strconv"

	"JukeFM/model"

	"github.com/fhs/gompd/v2/mpd"
)

// mpdVolumeScale MPD 音量相对 Spotify 音量的缩放比例
const mpdVolumeScale = 0.8

// MPDDriver 本地曲库驱动，每次调用建立一条短连接
type MPDDriver struct {
	network     string
	addr        string
	password    string
	deviceName  string
	artworkBase string
}

// NewMPDDriver 创建 MPD 驱动
func NewMPDDriver(network, addr, password, deviceName, artworkBase string) *MPDDriver {
	if network == "" {
		network = "tcp"
	}
	return &MPDDriver{
		network:     network,
		addr:        addr,
		password:    password,
		deviceName:  deviceName,
		artworkBase: artworkBase,
	}
}

var _ Driver = (*MPDDriver)(nil)

func (d *MPDDriver) Source() model.Source { return model.SourceLocal }

// connect 建立连接并开启 consume 模式（播放过的曲目自动移出 MPD 播放列表）
func (d *MPDDriver) connect(ctx context.Context) (*mpd.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		c   *mpd.Client
		err error
	)
	if d.password != "" {
		c, err = mpd.DialAuthenticated(d.network, d.addr, d.password)
	} else {
		c, err = mpd.Dial(d.network, d.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("mpd: dial %s: %w", d.addr, err)
	}

	if err := c.Consume(true); err != nil {
		c.Close()
		return nil, fmt.Errorf("mpd: enable consume: %w", err)
	}
	return c, nil
}

// do 使用一次性连接执行操作
func (d *MPDDriver) do(ctx context.Context, fn func(c *mpd.Client) error) error {
	c, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// Ping 连接测试
func (d *MPDDriver) Ping(ctx context.Context) (string, error) {
	var version string
	err := d.do(ctx, func(c *mpd.Client) error {
		if err := c.Ping(); err != nil {
			return err
		}
		version = c.Version()
		return nil
	})
	return version, err
}

func (d *MPDDriver) CurrentStatus(ctx context.Context) (*Status, error) {
	st := &Status{OnTarget: true, DeviceName: d.deviceName}

	err := d.do(ctx, func(c *mpd.Client) error {
		status, err := c.Status()
		if err != nil {
			return fmt.Errorf("mpd: status: %w", err)
		}
		st.Playing = status["state"] == "play"
		st.Elapsed = parseFloat(status["elapsed"])
		st.Duration = parseFloat(status["duration"])
		if vol, err := strconv.Atoi(status["volume"]); err == nil {
			st.Volume = int(min(float64(vol)/mpdVolumeScale, 100))
		}

		if status["state"] == "stop" || status["state"] == "" {
			return nil
		}
		song, err := c.CurrentSong()
		if err != nil {
			return fmt.Errorf("mpd: currentsong: %w", err)
		}
		st.TrackID = song["file"]
		st.Name = path.Base(song["file"])
		if artist := song["Artist"]; artist != "" {
			st.Artists = []string{artist}
		}
		st.Album = song["Album"]
		st.Images = PlaceholderImages(d.artworkBase)
		if st.Duration == 0 {
			st.Duration = songDuration(song)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (d *MPDDriver) EnqueueAndPlay(ctx context.Context, trackID string) error {
	return d.do(ctx, func(c *mpd.Client) error {
		if err := c.Add(trackID); err != nil {
			return fmt.Errorf("mpd: add %q: %w", trackID, err)
		}
		if err := c.Play(-1); err != nil {
			return fmt.Errorf("mpd: play: %w", err)
		}
		return nil
	})
}

func (d *MPDDriver) AddToQueue(ctx context.Context, trackID string) error {
	return d.do(ctx, func(c *mpd.Client) error {
		if err := c.Add(trackID); err != nil {
			return fmt.Errorf("mpd: add %q: %w", trackID, err)
		}
		return nil
	})
}

// Lookup 按曲库路径查询文件信息
func (d *MPDDriver) Lookup(ctx context.Context, ref string) (*model.Track, error) {
	var track *model.Track
	err := d.do(ctx, func(c *mpd.Client) error {
		infos, err := c.ListAllInfo(ref)
		if err != nil {
			return fmt.Errorf("mpd: listallinfo %q: %w", ref, err)
		}
		for _, info := range infos {
			file := info["file"]
			if file == "" {
				continue
			}
			track = &model.Track{
				ID:       file,
				Source:   model.SourceLocal,
				Duration: songDuration(info),
				Name:     path.Base(file),
				Album:    info["Album"],
				Images:   PlaceholderImages(d.artworkBase),
			}
			if artist := info["Artist"]; artist != "" {
				track.Artists = []string{artist}
			}
			return nil
		}
		return fmt.Errorf("mpd: %q: %w", ref, ErrTrackNotFound)
	})
	if err != nil {
		return nil, err
	}
	return track, nil
}

// Search 按文件名搜索曲库，limit <= 0 表示不限制
func (d *MPDDriver) Search(ctx context.Context, query string, limit int) ([]*model.Track, error) {
	var out []*model.Track
	err := d.do(ctx, func(c *mpd.Client) error {
		results, err := c.Search("filename", query)
		if err != nil {
			return fmt.Errorf("mpd: search: %w", err)
		}
		for _, info := range results {
			if info["file"] == "" {
				continue
			}
			t := &model.Track{
				ID:       info["file"],
				Source:   model.SourceLocal,
				Duration: songDuration(info),
				Name:     path.Base(info["file"]),
				Images:   PlaceholderImages(d.artworkBase),
			}
			if artist := info["Artist"]; artist != "" {
				t.Artists = []string{artist}
			}
			out = append(out, t)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (d *MPDDriver) SetVolume(ctx context.Context, percent int) error {
	return d.do(ctx, func(c *mpd.Client) error {
		return c.SetVolume(int(float64(percent) * mpdVolumeScale))
	})
}

func (d *MPDDriver) Pause(ctx context.Context) error {
	return d.do(ctx, func(c *mpd.Client) error { return c.Pause(true) })
}

func (d *MPDDriver) Resume(ctx context.Context) error {
	return d.do(ctx, func(c *mpd.Client) error { return c.Pause(false) })
}

func (d *MPDDriver) Previous(ctx context.Context) error {
	return d.do(ctx, func(c *mpd.Client) error { return c.Previous() })
}

// songDuration 新版 MPD 提供 duration，旧版只有整数秒的 Time
func songDuration(attrs mpd.Attrs) float64 {
	if v := parseFloat(attrs["duration"]); v > 0 {
		return v
	}
	return parseFloat(attrs["Time"])
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
