package cmd

import (
	"JukeFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 JukeFM 服务器",
	Long:  `启动点歌机 HTTP 服务：点歌、队列维护、播放控制与队列推送`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
