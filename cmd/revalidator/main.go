package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "revalidator",
		Short:         "Caching proxy with on-demand revalidation and cache warming",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", getenvDefault("REVALIDATOR_CONFIG", "/revalidator.yaml"), "path to revalidator.yaml")

	root.AddCommand(serveCmd(), warmCmd(), revalidateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "revalidator:", err)
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
