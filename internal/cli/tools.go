package cli

import (
	"github.com/spf13/cobra"
)

var (
	signVerify string
)

var signCmd = &cobra.Command{
	Use:   "sign <message>",
	Short: "Sign a message (e.g. a CID) with the server key, or recover its signer with --verify",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if signVerify != "" {
			return getApp().VerifySignature(args[0], signVerify)
		}
		return getApp().Sign(args[0])
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash <input.json>",
	Short: "Print the canonical keccak256 request hash of a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Hash(args[0])
	},
}

var alertTestCmd = &cobra.Command{
	Use:   "alert-test",
	Short: "发送一条模拟告警以检查告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AlertTest(cmd.Context())
	},
}

func init() {
	signCmd.Flags().StringVar(&signVerify, "verify", "", "Signature to verify instead of signing")
}
