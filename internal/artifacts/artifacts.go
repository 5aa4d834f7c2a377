// Package artifacts lists prebuilt watch firmware from GitHub Actions runs
// and downloads it for staging.
package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zswflasher/internal/config"
)

const (
	// DefaultAPIURL is the GitHub REST endpoint.
	DefaultAPIURL = "https://api.github.com"
	// DefaultWebURL is where the browser download pages live.
	DefaultWebURL = "https://github.com"

	// UpdateArchive is the file inside an artifact that holds the images.
	UpdateArchive = "dfu_application.zip"

	skipBranch = "gh-pages"
)

// ErrTokenRequired is returned by Download when no token is configured.
var ErrTokenRequired = errors.New("downloading artifacts requires a GitHub token")

// Artifact is one downloadable build of a run.
type Artifact struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size_in_bytes"`
}

// Firmware is a successful CI run with the artifacts matching a hardware
// revision.
type Firmware struct {
	Branch        string     `json:"branch"`
	User          string     `json:"user"`
	RunID         int64      `json:"runId"`
	Artifacts     []Artifact `json:"artifacts"`
	SHA           string     `json:"sha"`
	CommitMessage string     `json:"commitMessage"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type workflowRuns struct {
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type workflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
	Actor      struct {
		Login string `json:"login"`
	} `json:"actor"`
	HeadCommit struct {
		Message string `json:"message"`
	} `json:"head_commit"`
}

type runArtifacts struct {
	Artifacts []Artifact `json:"artifacts"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIURL points the client at another API endpoint.
func WithAPIURL(u string) Option {
	return func(c *Client) { c.apiURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client talks to the GitHub Actions API of one repository.
type Client struct {
	cfg    config.ArtifactsConfig
	http   *http.Client
	apiURL string
	log    zerolog.Logger
}

// New creates a client for the repository in cfg.
func New(cfg config.ArtifactsConfig, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 60 * time.Second},
		apiURL: DefaultAPIURL,
		log:    log.Logger.With().Str("component", "artifacts").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List takes the newest cfg.Runs successful runs, skipping gh-pages, and
// returns those that produced artifacts, filtered by revision tag.
func (c *Client) List(ctx context.Context) ([]Firmware, error) {
	var runs workflowRuns
	if err := c.getJSON(ctx, c.repoURL("/actions/runs?per_page=100"), &runs); err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}

	selected := make([]workflowRun, 0, c.cfg.Runs)
	for _, run := range runs.WorkflowRuns {
		if len(selected) >= c.cfg.Runs {
			break
		}
		if run.Conclusion == "success" && run.HeadBranch != skipBranch {
			selected = append(selected, run)
		}
	}

	out := make([]Firmware, 0, len(selected))
	for _, run := range selected {
		var arts runArtifacts
		if err := c.getJSON(ctx, c.repoURL(fmt.Sprintf("/actions/runs/%d/artifacts", run.ID)), &arts); err != nil {
			return nil, fmt.Errorf("list artifacts of run %d: %w", run.ID, err)
		}
		if len(arts.Artifacts) == 0 {
			c.log.Debug().Int64("run", run.ID).Msg("run has no artifacts")
			continue
		}

		out = append(out, Firmware{
			Branch:        run.HeadBranch,
			User:          run.Actor.Login,
			RunID:         run.ID,
			Artifacts:     c.filter(arts.Artifacts),
			SHA:           run.HeadSHA,
			CommitMessage: run.HeadCommit.Message,
			CreatedAt:     run.CreatedAt,
		})
	}

	c.log.Info().Int("runs", len(out)).Msg("firmware builds listed")
	return out, nil
}

// filter keeps the artifacts whose name carries a revision tag.
func (c *Client) filter(in []Artifact) []Artifact {
	out := make([]Artifact, 0, len(in))
	for _, a := range in {
		for _, tag := range c.cfg.RevisionTags {
			if strings.Contains(a.Name, tag) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// DownloadURL returns the browser page of an artifact.
func (c *Client) DownloadURL(runID, artifactID int64) string {
	return fmt.Sprintf("%s/%s/%s/actions/runs/%d/artifacts/%d", DefaultWebURL, c.cfg.Owner, c.cfg.Repo, runID, artifactID)
}

// Download fetches the zip of an artifact. GitHub only serves artifact
// content to authenticated requests.
func (c *Client) Download(ctx context.Context, artifactID int64) ([]byte, error) {
	if c.cfg.Token == "" {
		return nil, ErrTokenRequired
	}
	resp, err := c.get(ctx, c.repoURL(fmt.Sprintf("/actions/artifacts/%d/zip", artifactID)))
	if err != nil {
		return nil, fmt.Errorf("download artifact %d: %w", artifactID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact %d: %w", artifactID, err)
	}
	c.log.Info().Int64("artifact", artifactID).Int("size", len(data)).Msg("artifact downloaded")
	return data, nil
}

// ExtractUpdate returns the update archive packed inside an artifact zip.
// An artifact that already is the update archive is returned unchanged.
func ExtractUpdate(artifact []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(artifact), int64(len(artifact)))
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	for _, f := range zr.File {
		if path.Base(f.Name) != UpdateArchive {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".bin") {
			return artifact, nil
		}
	}
	return nil, fmt.Errorf("artifact holds no %s", UpdateArchive)
}

func (c *Client) repoURL(suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", c.apiURL, c.cfg.Owner, c.cfg.Repo, suffix)
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
