package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"JukeFM/config"
	"JukeFM/core/backend"

	"github.com/spf13/cobra"
)

var mpdLimit int

var mpdCmd = &cobra.Command{
	Use:   "mpd",
	Short: "MPD 本地曲库工具",
}

var mpdPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "测试 MPD 连接并显示当前状态",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		driver := newMPDDriver(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		version, err := driver.Ping(ctx)
		if err != nil {
			log.Fatalf("无法连接到MPD: %v", err)
		}
		fmt.Printf("MPD %s (%s)\n", version, cfg.MPDAddr)

		st, err := driver.CurrentStatus(ctx)
		if err != nil {
			log.Fatalf("读取状态失败: %v", err)
		}
		if !st.Playing {
			fmt.Println("当前没有播放")
			return
		}
		fmt.Printf("正在播放: %s [%.0f/%.0fs] 音量 %d%%\n", st.TrackID, st.Elapsed, st.Duration, st.Volume)
	},
}

var mpdSearchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "按文件名搜索曲库",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tracks, err := newMPDDriver(cfg).Search(ctx, strings.Join(args, " "), mpdLimit)
		if err != nil {
			log.Fatalf("搜索失败: %v", err)
		}
		if len(tracks) == 0 {
			fmt.Println("未找到相关歌曲")
			return
		}
		for i, t := range tracks {
			fmt.Printf("%d. %s (%.0fs)\n", i+1, t.ID, t.Duration)
		}
	},
}

func newMPDDriver(cfg *config.Config) *backend.MPDDriver {
	return backend.NewMPDDriver(cfg.MPDNetwork, cfg.MPDAddr, cfg.MPDPassword, cfg.PlaybackDeviceName, cfg.StaticArtworkBase)
}

func init() {
	mpdSearchCmd.Flags().IntVarP(&mpdLimit, "limit", "l", 10, "最多显示的结果数")
	mpdCmd.AddCommand(mpdPingCmd, mpdSearchCmd)
	rootCmd.AddCommand(mpdCmd)
}
