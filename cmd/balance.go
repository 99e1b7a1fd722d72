package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var balanceIdentity string

// balanceCmd は現在のプランと残りクレジットを表示します。
var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "現在のプランと残りクレジットを表示します。",
	RunE:  showBalance,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().StringVar(&balanceIdentity, "identity", "", "精算サービス上の利用者 ID。未指定時は INTERVIEW_IDENTITY を使います。")
}

func showBalance(cmd *cobra.Command, args []string) error {
	identity := balanceIdentity
	if identity == "" {
		identity = runFlags.identity
	}
	if identity == "" {
		return errors.New("利用者 ID (--identity または INTERVIEW_IDENTITY) が設定されていません")
	}

	ctx := cmd.Context()
	svc, err := newAccountingClient(ctx)
	if err != nil {
		return err
	}
	b, err := svc.Balance(ctx, identity)
	if err != nil {
		return fmt.Errorf("残高の取得に失敗: %w", err)
	}

	pricing := pricingFromConfig(cfg.Pricing)
	fmt.Printf("プラン: %s (%s)\n", b.Plan, b.Status)
	fmt.Printf("💳 残高: %s\n", pricing.Describe(b.Credits))

	fmt.Println("\n利用可能なプラン:")
	for _, name := range pricing.PlanNames() {
		credits, _ := pricing.Plan(name)
		fmt.Printf("  %-8s %s\n", name, pricing.Describe(credits))
	}
	return nil
}
