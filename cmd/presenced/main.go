package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/quckapp/presence/internal/client"
)

var (
	httpURL    string
	authToken  string
	jsonOutput bool

	apiClient *client.Client
)

func defaultHTTPURL() string {
	if s := os.Getenv("PRESENCE_HTTP_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

var rootCmd = &cobra.Command{
	Use:   "presenced <command>",
	Short: "Presence tracking daemon and CLI",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = client.New(httpURL, authToken)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "presenced HTTP URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("PRESENCE_AUTH_TOKEN"), "API auth token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
