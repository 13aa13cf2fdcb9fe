package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-github/v69/github"

	"github.com/helixrun/helix/internal/httpkit"
)

// githubIssueAction returns the github_issue built-in Action: files an
// issue on the repo named by cfg["repo"] ("owner/repo"), using
// cfg["token"] for auth and the trigger payload's "title"/"body" keys
// as the issue content. It is the one built-in action that never
// shells out, exercising the config-mapping-merged-with-defaults
// dispatch path end to end.
func githubIssueAction(logger *slog.Logger) Action {
	return func(ctx context.Context, cfg map[string]string, payload map[string]any) error {
		repo := cfg["repo"]
		token := cfg["token"]
		if repo == "" || token == "" {
			return fmt.Errorf("github_issue: cfg requires both repo and token")
		}

		owner, name, err := splitRepo(repo)
		if err != nil {
			return err
		}

		title, _ := payload["title"].(string)
		if title == "" {
			title = cfg["default_title"]
		}
		if title == "" {
			title = "helix hook trigger"
		}
		body, _ := payload["body"].(string)

		client := github.NewClient(httpkit.NewClient()).WithAuthToken(token)
		req := &github.IssueRequest{Title: &title, Body: &body}
		if labels := cfg["labels"]; labels != "" {
			l := strings.Split(labels, ",")
			req.Labels = &l
		}

		_, resp, err := client.Issues.Create(ctx, owner, name, req)
		if err != nil {
			return fmt.Errorf("github_issue: create issue: %w", err)
		}
		if resp != nil && resp.Rate.Remaining > 0 && resp.Rate.Remaining < 100 {
			logger.Warn("github rate limit low", "remaining", resp.Rate.Remaining, "repo", repo)
		}
		return nil
	}
}

// splitRepo splits "owner/repo" into its components.
func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}
