package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	verifyTimeout time.Duration
	fetchOut      string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <txHash>",
	Short: "Verify a provenance transaction and decode its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Verify(cmd.Context(), args[0], verifyTimeout)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <userAddress>",
	Short: "List the on-chain records of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().History(cmd.Context(), args[0])
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <cid>",
	Short: "Fetch pinned content from the IPFS gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Fetch(cmd.Context(), args[0], fetchOut)
	},
}

var marketCmd = &cobra.Command{
	Use:   "market",
	Short: "获取恐慌与贪婪指数、市场趋势与 GAS 费",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Market(cmd.Context())
	},
}

func init() {
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", 0, "Receipt wait timeout (defaults to chain.verify_timeout)")
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "Write raw content to this path instead of printing JSON")
}
