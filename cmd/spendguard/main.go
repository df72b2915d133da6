package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "spendguard",
	Short: "SpendGuard — LLM Budget Gateway",
	Long:  "SpendGuard is a gateway that sits between client agents and LLM inference providers, reserving the worst-case cost of every request against a per-agent budget before forwarding it and settling against the provider-reported usage afterwards.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/spendguard.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
