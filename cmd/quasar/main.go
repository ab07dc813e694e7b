package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - self-hosted Lambda-compatible function service",
		Long:  "Deploy zipped functions and invoke them over the AWS Lambda wire protocol,\nbacked by a local warm pool of Docker containers.",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server",
		envOr("QUASAR_SERVER", "http://127.0.0.1:8080"), "Control plane address")

	rootCmd.AddCommand(
		daemonCmd(),
		deployCmd(),
		invokeCmd(),
		listCmd(),
		deleteCmd(),
		concurrencyCmd(),
		secretCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
