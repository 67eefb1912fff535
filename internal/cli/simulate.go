package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateRecipient string
	simulateProduct   string
	simulatePrice     float64
	simulatePrevious  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格变动并触发邮件投递",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRecipient == "" {
			return errors.New("--recipient 必须提供")
		}
		if simulatePrice <= 0 || simulatePrevious <= 0 {
			return errors.New("--price 与 --previous 必须大于 0")
		}

		observed := decimal.NewFromFloat(simulatePrice)
		previous := decimal.NewFromFloat(simulatePrevious)
		return getApp().SimulateAlert(cmd.Context(), simulateRecipient, simulateProduct, observed, previous)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRecipient, "recipient", "", "收件人邮箱")
	simulateCmd.Flags().StringVar(&simulateProduct, "product", "Sample Product", "商品名称")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "当前价格")
	simulateCmd.Flags().Float64Var(&simulatePrevious, "previous", 0, "变动前价格")
}
