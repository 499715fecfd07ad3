package main

import (
	"fmt"
	"time"

	aggsvc "github.com/aevon-lab/aevon-meter/internal/aggregation"
	coreagg "github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type usageOutput struct {
	Chain        string          `json:"chain"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Days         decimal.Decimal `json:"days"`
	Timing       coreagg.Timing  `json:"timing"`
	CurrentUsage bool            `json:"current_usage"`
	Result       coreagg.Result  `json:"result"`
}

func newUsageCmd(load configLoader) *cobra.Command {
	var (
		req      aggsvc.PeriodRequest
		fromFlag string
		toFlag   string
		atFlag   string
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Aggregate one chain over a billing period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if fromFlag != "" || toFlag != "" {
				if fromFlag == "" || toFlag == "" {
					return fmt.Errorf("--from and --to must be given together")
				}
				if req.From, err = parseInstant(fromFlag); err != nil {
					return err
				}
				if req.To, err = parseInstant(toFlag); err != nil {
					return err
				}
			}
			if req.At, err = parseInstant(atFlag); err != nil {
				return err
			}

			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := wireApp(cfg)
			if err != nil {
				return err
			}
			defer a.close() //nolint:errcheck

			resp, err := a.periods().Aggregate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd, usageOutput{
				Chain:        resp.Key.String(),
				From:         resp.Period.From,
				To:           resp.Period.To,
				Days:         resp.Period.Days,
				Timing:       resp.Timing,
				CurrentUsage: req.CurrentUsage,
				Result:       resp.Result,
			})
		},
	}

	cmd.Flags().StringVar(&req.SubscriptionID, "subscription", "", "External subscription id")
	cmd.Flags().StringVar(&req.MetricCode, "metric", "", "Billable metric code")
	cmd.Flags().StringVar(&req.GroupKey, "group", "", "Group key for grouped metrics")
	cmd.Flags().StringVar(&fromFlag, "from", "", "RFC3339 period start (requires --to)")
	cmd.Flags().StringVar(&toFlag, "to", "", "RFC3339 period end, inclusive (requires --from)")
	cmd.Flags().StringVar(&atFlag, "at", "", "RFC3339 instant inside the period (default: now)")
	cmd.Flags().BoolVar(&req.CurrentUsage, "current-usage", false, "Aggregate the usage so far instead of the closed period")
	_ = cmd.MarkFlagRequired("subscription")
	_ = cmd.MarkFlagRequired("metric")

	return cmd
}
