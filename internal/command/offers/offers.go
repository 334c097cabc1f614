package offers

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gpuspot/internal/cloud"
	"gpuspot/internal/command/root"
	"gpuspot/internal/provision"
)

func init() {
	root.Cmd.AddCommand(cmd)

	cmd.Flags().Bool("all", false, "Also list offers above the price cap")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		log.WithError(err).Fatal("flag biding failed")
	}
}

var cmd = &cobra.Command{
	Use:   "offers",
	Short: "List spot offers for a GPU type",
	Long:  `List the provider spot offers for --required-gpu, cheapest first, marking those within --price-cap`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := root.LoadConfig()

		if err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		if err := cfg.ValidateProvider(); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		provider, err := root.NewProvider(ctx, cfg)

		if err != nil {
			log.WithError(err).Fatal("cloud provider")
		}

		offers, err := provider.ListOffers(ctx, cfg.RequiredGPU)

		if err != nil {
			log.WithError(err).Fatal("list offers")
		}

		if !viper.GetBool("all") && cfg.PriceCap > 0 {
			offers = provision.Acceptable(offers, cfg.RequiredGPU, cfg.PriceCap)
		}

		if err := Print(os.Stdout, offers, cfg.RequiredGPU, cfg.PriceCap); err != nil {
			log.WithError(err).Fatal("print offers")
		}
	},
}

// Print writes offers as a table, cheapest first. The last column tells whether an offer
// passes the price gate; without a cap every offer of the GPU type does.
func Print(w io.Writer, offers []cloud.Offer, gpu string, priceCap float64) error {
	offers = append([]cloud.Offer(nil), offers...)
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].PricePerHour < offers[j].PricePerHour
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "ID\tTYPE\tGPU\tCOUNT\tREGION\tPRICE/H\tACCEPTED")

	for _, offer := range offers {
		accepted := offer.GPUType == gpu
		if priceCap > 0 {
			accepted = provision.Accepts(offer, gpu, priceCap)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%.3f\t%t\n",
			offer.ID, offer.InstanceType, offer.GPUType, offer.GPUCount, offer.Region, offer.PricePerHour, accepted)
	}

	return tw.Flush()
}
