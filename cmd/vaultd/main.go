// Vaultd is the memory vault daemon: a per-user, encrypted,
// embedding-searchable knowledge store with cross-project reasoning.
//
// Usage:
//
//	# Start the server with defaults (~/.config/vaultd/config.yaml)
//	vaultd serve
//
//	# Configure via flags or environment
//	vaultd serve --config /etc/vaultd/config.yaml
//	SERVER_PORT=9000 vaultd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "Encrypted per-user memory vault with similarity search",
	Long: `vaultd stores semantic, episodic and procedural memories per user,
encrypts their content under independently rotatable user keys, and
answers similarity and cross-project queries over the embeddings.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show detailed version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vaultd %s (commit %s, built %s)\n", version, gitCommit, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/vaultd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
