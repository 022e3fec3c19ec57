package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information set by linker flags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// VersionInfo represents version and build information.
type VersionInfo struct {
	Version      string            `json:"version"`
	GitCommit    string            `json:"git_commit"`
	BuildDate    string            `json:"build_date"`
	GoVersion    string            `json:"go_version"`
	Platform     string            `json:"platform"`
	Arch         string            `json:"arch"`
	Features     []string          `json:"features"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and build information",
	Long: `Display version information including build details, Go version, and
enabled features. Useful for debugging, support requests, and ensuring
you're running the expected version in CI/CD environments.`,
	RunE: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().String("output-format", "text", "Output format: text or json")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	outputFormat, _ := cmd.Flags().GetString("output-format")

	versionInfo := &VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
		Features: []string{
			"exponential-linear-fixed-custom-backoff",
			"circuit-breaker",
			"in-memory-persistence",
			"postgres-persistence",
			"operation-resumption",
			"observability-events",
		},
		Dependencies: map[string]string{
			"go":     runtime.Version(),
			"cobra":  "v1.9.1",
			"viper":  "v1.20.1",
			"logrus": "v1.9.3",
			"lib/pq": "v1.10.9",
		},
	}

	if outputFormat == "json" {
		out, err := json.MarshalIndent(versionInfo, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("retrygo version %s\n", versionInfo.Version)
	fmt.Printf("Git commit: %s\n", versionInfo.GitCommit)
	fmt.Printf("Build date: %s\n", versionInfo.BuildDate)
	fmt.Printf("Go version: %s\n", versionInfo.GoVersion)
	fmt.Printf("Platform: %s/%s\n", versionInfo.Platform, versionInfo.Arch)
	return nil
}
