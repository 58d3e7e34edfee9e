package cmd

import (
	"context"
	"fmt"
	"log"

	"JukeFM/config"
	"JukeFM/core/ledger"

	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "BILL 账本工具",
	Long:  `直接访问 BILL 积分账本：校验编码、查询余额。`,
}

var ledgerIdentifyCmd = &cobra.Command{
	Use:   "identify <code>",
	Short: "校验 BILL 编码并显示账户名",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		client := ledger.NewClient(cfg.BillAddr, cfg.BillTimeout)

		acc, err := client.Identify(context.Background(), args[0])
		if err != nil {
			log.Fatalf("校验失败: %v", err)
		}
		fmt.Printf("账户: %s\n名称: %s\n", acc.Key, acc.Name)
	},
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance <key>",
	Short: "查询账户余额",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		client := ledger.NewClient(cfg.BillAddr, cfg.BillTimeout)

		credits, err := client.Balance(context.Background(), args[0])
		if err != nil {
			log.Fatalf("查询余额失败: %v", err)
		}
		fmt.Printf("账户 %s 余额: %d\n", args[0], credits)
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerIdentifyCmd, ledgerBalanceCmd)
	rootCmd.AddCommand(ledgerCmd)
}
