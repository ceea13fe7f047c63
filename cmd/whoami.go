package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/flanksource/provision/pkg/catalog"
	phttp "github.com/flanksource/provision/pkg/http"
	"github.com/google/go-github/v57/github"
	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show GitHub authentication and rate limits used by release catalogs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return runWhoAmI(ctx, cmd)
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

func runWhoAmI(ctx context.Context, cmd *cobra.Command) error {
	client, source := catalog.NewGitHubClient(phttp.GetHttpClient())
	out := cmd.OutOrStdout()

	if source == "" {
		fmt.Fprintf(out, "Token Source: none (checked %v)\n", catalog.TokenSources)
	} else {
		fmt.Fprintf(out, "Token Source: %s\n", source)
	}

	var rate github.Rate
	user, resp, err := client.Users.Get(ctx, "")
	if err == nil {
		fmt.Fprintf(out, "Authenticated: yes (%s)\n", user.GetLogin())
		rate = resp.Rate
	} else {
		fmt.Fprintf(out, "Authenticated: no\n")
		// any cheap request reports the anonymous rate limit
		_, resp, err := client.Repositories.Get(ctx, "filecoin-project", "lotus")
		if err != nil && resp == nil {
			return fmt.Errorf("failed to reach GitHub: %w", err)
		}
		rate = resp.Rate
	}

	fmt.Fprintf(out, "Rate Limit: %d/%d remaining, resets in %s\n", rate.Remaining, rate.Limit, formatRateLimitDuration(time.Until(rate.Reset.Time)))
	if rate.Remaining < 100 {
		fmt.Fprintln(out, "Warning: low rate limit remaining, set GITHUB_TOKEN for authenticated access")
	}
	return nil
}

// formatRateLimitDuration formats a duration in a human-readable way for rate limits
func formatRateLimitDuration(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
