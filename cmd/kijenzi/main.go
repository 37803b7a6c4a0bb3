// Kijenzi builds and iterates on web apps from natural-language instructions.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kijenzi",
	Short: "Kijenzi builds runnable Next.js apps from natural-language instructions.",
	Long: `Kijenzi turns an instruction into a working web app. An agent writes code
and runs commands inside an isolated sandbox, then Kijenzi records the
generated files and a live preview URL for every build.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
