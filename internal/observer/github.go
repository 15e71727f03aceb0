package observer

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-github/v55/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

const githubMaxPages = 5

type GitHubConfig struct {
	Token   string
	BaseURL string
	// Repos maps service name to owner/repo.
	Repos map[string]string
}

// GitHubDeployments reads deployments recorded through the GitHub
// Deployments API, one repository per service.
type GitHubDeployments struct {
	client *github.Client
	repos  map[string]string
	logger *zap.Logger
}

func NewGitHubDeployments(cfg GitHubConfig, recorder CallRecorder, logger *zap.Logger) (*GitHubDeployments, error) {
	base := NewHTTPClient("github", 0, recorder)
	httpClient := base
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GitHubDeployments{client: client, repos: cfg.Repos, logger: logger}, nil
}

func (g *GitHubDeployments) repoFor(service string) (string, string, error) {
	full, ok := g.repos[service]
	if !ok {
		return "", "", model.Configuration(model.ReasonProviderNotConfigured, "no github repository mapped for service %q", service)
	}
	owner, repo, _ := strings.Cut(full, "/")
	return owner, repo, nil
}

// Deployments lists deployments created inside the window, newest first,
// each with the state of its latest status.
func (g *GitHubDeployments) Deployments(ctx context.Context, service string, r model.TimeRange) ([]model.DeploymentEvent, error) {
	owner, repo, err := g.repoFor(service)
	if err != nil {
		return nil, err
	}
	ctx = WithOperation(ctx, "list_deployments")

	var events []model.DeploymentEvent
	opts := &github.DeploymentsListOptions{ListOptions: github.ListOptions{PerPage: 50}}
	for page := 0; page < githubMaxPages; page++ {
		deployments, resp, err := g.client.Repositories.ListDeployments(ctx, owner, repo, opts)
		if err != nil {
			return nil, model.ProviderUnavailable("github", fmt.Errorf("failed to list deployments: %w", err))
		}

		older := false
		for _, d := range deployments {
			created := d.GetCreatedAt().Time.UTC()
			if created.Before(r.Start) {
				older = true
				continue
			}
			if !r.Contains(created) {
				continue
			}
			ev, err := g.toEvent(ctx, owner, repo, service, d)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}

		if older || resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.Slice(events, func(i, j int) bool { return events[i].StartedAt.After(events[j].StartedAt) })
	g.logger.Debug("Listed github deployments",
		zap.String("service", service),
		zap.String("repo", owner+"/"+repo),
		zap.Int("count", len(events)))
	return events, nil
}

func (g *GitHubDeployments) toEvent(ctx context.Context, owner, repo, service string, d *github.Deployment) (model.DeploymentEvent, error) {
	ev := model.DeploymentEvent{
		ID:          strconv.FormatInt(d.GetID(), 10),
		Service:     service,
		Version:     d.GetSHA(),
		Status:      "pending",
		Environment: d.GetEnvironment(),
		TriggeredBy: d.GetCreator().GetLogin(),
		StartedAt:   d.GetCreatedAt().Time.UTC(),
		Source:      "github",
	}
	if ref := d.GetRef(); ref != "" && ref != ev.Version {
		ev.Version = fmt.Sprintf("%s@%s", ref, shortSHA(ev.Version))
	}

	statuses, _, err := g.client.Repositories.ListDeploymentStatuses(WithOperation(ctx, "list_statuses"), owner, repo, d.GetID(), &github.ListOptions{PerPage: 1})
	if err != nil {
		return model.DeploymentEvent{}, model.ProviderUnavailable("github", fmt.Errorf("failed to list deployment statuses: %w", err))
	}
	if len(statuses) > 0 {
		ev.Status = statuses[0].GetState()
		switch ev.Status {
		case "success", "failure", "error", "inactive":
			ev.FinishedAt = statuses[0].GetCreatedAt().Time.UTC()
		}
	}
	return ev, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func (g *GitHubDeployments) Health(ctx context.Context) error {
	_, _, err := g.client.RateLimits(WithOperation(ctx, "rate_limit"))
	if err != nil {
		return fmt.Errorf("github health check failed: %w", err)
	}
	return nil
}
