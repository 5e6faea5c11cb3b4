package cmd

import (
	"github.com/minesa-org/kaeru/kaeru"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Kaeru bot, API and (optionally) webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := kaeru.New(cfg)
			if err != nil {
				log.Fatalf("error creating kaeru: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running kaeru: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
