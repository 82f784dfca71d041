package cli

import (
	"github.com/spf13/cobra"

	"advisor-ledger/internal/app"
)

var (
	adviseInput string
	adviseUser  string
	adviseHash  string
)

var adviseCmd = &cobra.Command{
	Use:   "advise",
	Short: "生成一次投资建议并完成 IPFS 存储与上链存证",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.AdviseOptions{
			InputPath:   adviseInput,
			UserAddress: adviseUser,
			RequestHash: adviseHash,
		}
		return getApp().Advise(cmd.Context(), opts)
	},
}

func init() {
	adviseCmd.Flags().StringVar(&adviseInput, "input", "", "Path to the input JSON (riskLevel, totalValue, cryptoAssets)")
	adviseCmd.Flags().StringVar(&adviseUser, "user", "", "User wallet address")
	adviseCmd.Flags().StringVar(&adviseHash, "request-hash", "", "Client request hash (defaults to the canonical hash of the input)")
	_ = adviseCmd.MarkFlagRequired("input")
	_ = adviseCmd.MarkFlagRequired("user")
}
