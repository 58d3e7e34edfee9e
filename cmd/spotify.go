package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"JukeFM/config"
	"JukeFM/core/backend"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var spotifyCmd = &cobra.Command{
	Use:   "spotify",
	Short: "Spotify 授权与状态",
}

var spotifyAuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "完成 OAuth 授权并保存令牌",
	Long: `打开输出的链接登录 Spotify，授权后浏览器会跳转到 SPOTIFY_REDIRECT_URL，
本命令在该地址上等待回调，并把令牌写入 SPOTIFY_TOKEN_PATH。服务运行中会自动重新加载令牌。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		if cfg.SpotifyClientID == "" || cfg.SpotifyClientSecret == "" {
			log.Fatal("SPOTIFY_CLIENT_ID 和 SPOTIFY_CLIENT_SECRET 必须设置")
		}
		redirect, err := url.Parse(cfg.SpotifyRedirectURL)
		if err != nil || redirect.Host == "" {
			log.Fatalf("SPOTIFY_REDIRECT_URL 无效: %q", cfg.SpotifyRedirectURL)
		}

		auth := backend.NewSpotifyAuthenticator(cfg.SpotifyClientID, cfg.SpotifyClientSecret, cfg.SpotifyRedirectURL)
		state := uuid.NewString()
		tokens := make(chan *oauth2.Token, 1)

		callbackPath := redirect.Path
		if callbackPath == "" {
			callbackPath = "/"
		}
		mux := http.NewServeMux()
		mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
			tok, err := auth.Token(r.Context(), state, r)
			if err != nil {
				http.Error(w, "授权失败: "+err.Error(), http.StatusForbidden)
				log.Printf("授权失败: %v", err)
				return
			}
			fmt.Fprintln(w, "授权成功，可以关闭此页面。")
			select {
			case tokens <- tok:
			default:
			}
		})

		srv := &http.Server{Addr: redirect.Host, Handler: mux, ReadTimeout: 30 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("无法监听回调地址 %s: %v", redirect.Host, err)
			}
		}()

		fmt.Println("请在浏览器中打开以下链接完成授权:")
		fmt.Println(auth.AuthURL(state))

		tok := <-tokens
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)

		if err := backend.SaveToken(cfg.SpotifyTokenPath, tok); err != nil {
			log.Fatalf("保存令牌失败: %v", err)
		}
		fmt.Printf("令牌已保存到 %s\n", cfg.SpotifyTokenPath)
	},
}

var spotifyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "显示 Spotify 当前播放与目标设备",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		auth := backend.NewSpotifyAuthenticator(cfg.SpotifyClientID, cfg.SpotifyClientSecret, cfg.SpotifyRedirectURL)
		driver, err := backend.NewSpotifyDriverFromToken(ctx, auth, cfg.SpotifyTokenPath, cfg.PlaybackDeviceName)
		if err != nil {
			log.Fatalf("加载令牌失败（先运行 spotify auth）: %v", err)
		}

		st, err := driver.CurrentStatus(ctx)
		if err != nil {
			log.Fatalf("读取状态失败: %v", err)
		}
		fmt.Printf("设备: %s (目标设备 %s, 匹配: %t)\n", st.DeviceName, cfg.PlaybackDeviceName, st.OnTarget)
		if st.TrackID == "" {
			fmt.Println("当前没有播放")
			return
		}
		fmt.Printf("曲目: %s - %s [%.0f/%.0fs] 播放中: %t\n",
			strings.Join(st.Artists, ", "), st.Name, st.Elapsed, st.Duration, st.Playing)
	},
}

func init() {
	spotifyCmd.AddCommand(spotifyAuthCmd, spotifyStatusCmd)
	rootCmd.AddCommand(spotifyCmd)
}
