package commands

import (
	"context"
	"os"
	"strconv"
	"time"

	"octotelematics-backend/lib/configutil"
	"octotelematics-backend/lib/restyutil"
	"octotelematics-backend/lib/scrapers/octo"
	"octotelematics-backend/lib/serviceutil"
	"octotelematics-backend/lib/timezone"
	"octotelematics-backend/services/telematics"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type Config struct {
	Username string `json:"username"`
	Password string `json:"password"`
	BaseUrl  string `json:"base_url"`
}

var verbose *bool

func init() {
	verbose = scrapeCmd.Flags().Bool(
		"verbose", false,
		"Write full portal request transcripts to .dev/resty/octo.",
	)
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Logs into the portal, scrapes the current measurement and prints it.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := configutil.ReadConfig[Config]("config.json5")
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}

		if *verbose {
			octo.SetRestyInstrumentOutput(restyutil.NewFilesystemOutput(".dev/resty/octo"))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute*2)
		defer cancel()

		poller, err := telematics.NewPoller(ctx, telematics.Options{
			BaseUrl:  cfg.BaseUrl,
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			serviceutil.Fatal("failed to initialize poller", err)
		}

		m, err := poller.Update(ctx)
		if err != nil {
			serviceutil.Fatal("failed to scrape measurement", err)
		}

		totalKm := "unknown"
		if m.TotalKm != nil {
			totalKm = strconv.FormatInt(*m.TotalKm, 10)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Total km", "Last update", "Scraped at"})
		t.AppendRow(table.Row{totalKm, m.UpdatedAt, timezone.Now().Format(time.RFC3339)})
		t.Render()
	},
}
