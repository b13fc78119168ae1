// Package gitea implements the idempotent repo/file operations described
// in spec.md §4.D against a Gitea v1 REST API. The Client wraps an
// *http.Client the way the teacher's restic.Client wraps an external
// binary: a handful of named operations, no generic request method
// exposed to callers.
package gitea

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a single Gitea server on behalf of every site repo.
type Client struct {
	// BaseURL is the Gitea server base URL with no trailing slash.
	BaseURL string
	// Token is the bearer API token.
	Token string
	// Org is the owning organization for all site repositories.
	Org string

	HTTPClient *http.Client
}

// NewClient constructs a Client with a 60s per-request timeout default
// (spec.md §6).
func NewClient(baseURL, token, org string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		Org:        org,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) setAuth(req *http.Request) {
	req.Header.Set("Authorization", "token "+c.Token)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	return resp, nil
}

// EnsureRepo implements spec.md §4.D operation 1: it returns "{org}/{repo}"
// once the repository exists, creating the org and repo as needed.
func (c *Client) EnsureRepo(ctx context.Context, siteCode, repoName string) (string, error) {
	full := c.Org + "/" + repoName

	resp, err := c.do(ctx, http.MethodGet, "/api/v1/repos/"+full, nil)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return full, nil
	}

	// Ensure the org exists; permission-denied here is non-fatal per spec.
	orgResp, err := c.do(ctx, http.MethodGet, "/api/v1/orgs/"+c.Org, nil)
	if err != nil {
		return "", err
	}
	orgResp.Body.Close()
	if orgResp.StatusCode != http.StatusOK {
		payload, _ := json.Marshal(map[string]string{"username": c.Org})
		createResp, err := c.do(ctx, http.MethodPost, "/api/v1/admin/orgs", bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		createResp.Body.Close()
		// Non-fatal if permission denied (spec.md §4.D operation 1).
	}

	createRepoPayload, err := json.Marshal(map[string]any{
		"name":            repoName,
		"private":         true,
		"auto_init":       true,
		"default_branch":  "main",
		"description":     fmt.Sprintf("Config backups — site %s", siteCode),
	})
	if err != nil {
		return "", fmt.Errorf("encoding create-repo payload: %w", err)
	}
	repoResp, err := c.do(ctx, http.MethodPost, "/api/v1/orgs/"+c.Org+"/repos", bytes.NewReader(createRepoPayload))
	if err != nil {
		return "", err
	}
	defer repoResp.Body.Close()
	if repoResp.StatusCode != http.StatusOK && repoResp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(repoResp.Body)
		return "", fmt.Errorf("creating repo %s: status %d: %s", full, repoResp.StatusCode, string(body))
	}
	return full, nil
}

type contentsResponse struct {
	SHA string `json:"sha"`
}

type commitResponse struct {
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// CommitConfig implements spec.md §4.D operation 2: it writes {hostname}.txt
// on branch main, supplying the existing blob SHA when the file is already
// present so the update is idempotent under concurrent retries.
func (c *Client) CommitConfig(ctx context.Context, repo, hostname, text, message string) (string, error) {
	path := hostname + ".txt"

	var existingSHA string
	getResp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/repos/%s/contents/%s", repo, path), nil)
	if err != nil {
		return "", err
	}
	if getResp.StatusCode == http.StatusOK {
		var existing contentsResponse
		if err := json.NewDecoder(getResp.Body).Decode(&existing); err != nil {
			getResp.Body.Close()
			return "", fmt.Errorf("decoding existing content response: %w", err)
		}
		existingSHA = existing.SHA
	}
	getResp.Body.Close()

	payload := map[string]any{
		"content": base64.StdEncoding.EncodeToString([]byte(text)),
		"message": message,
		"branch":  "main",
	}
	if existingSHA != "" {
		payload["sha"] = existingSHA
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding commit payload: %w", err)
	}

	putResp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/repos/%s/contents/%s", repo, path), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK && putResp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(putResp.Body)
		return "", fmt.Errorf("committing %s to %s: status %d: %s", path, repo, putResp.StatusCode, string(respBody))
	}

	var commit commitResponse
	if err := json.NewDecoder(putResp.Body).Decode(&commit); err != nil {
		return "", fmt.Errorf("decoding commit response: %w", err)
	}
	if commit.Commit.SHA == "" {
		// Gitea returns no new commit when content is byte-identical to the
		// existing file; reuse the prior blob SHA as the commit reference
		// (spec.md §4.D operation 2).
		return existingSHA, nil
	}
	return commit.Commit.SHA, nil
}

type commitListEntry struct {
	SHA string `json:"sha"`
}

type compareFile struct {
	Filename string `json:"filename"`
	Patch    string `json:"patch"`
}

type compareResponse struct {
	Files []compareFile `json:"files"`
}

// GetDiff implements spec.md §4.D operation 3.
func (c *Client) GetDiff(ctx context.Context, repo, hostname string) (string, error) {
	path := hostname + ".txt"
	resp, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/repos/%s/commits?path=%s&limit=2", repo, path), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("listing commits for %s in %s: status %d: %s", path, repo, resp.StatusCode, string(body))
	}

	var commits []commitListEntry
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return "", fmt.Errorf("decoding commit list: %w", err)
	}
	if len(commits) < 2 {
		return "insufficient history to compute a diff", nil
	}

	// Gitea lists commits newest-first.
	latest, prev := commits[0].SHA, commits[1].SHA
	cmpResp, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/repos/%s/compare/%s...%s", repo, prev, latest), nil)
	if err != nil {
		return "", err
	}
	defer cmpResp.Body.Close()
	if cmpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(cmpResp.Body)
		return "", fmt.Errorf("comparing %s...%s in %s: status %d: %s", prev, latest, repo, cmpResp.StatusCode, string(body))
	}

	var cmp compareResponse
	if err := json.NewDecoder(cmpResp.Body).Decode(&cmp); err != nil {
		return "", fmt.Errorf("decoding compare response: %w", err)
	}
	for _, f := range cmp.Files {
		if strings.Contains(f.Filename, hostname) {
			if f.Patch == "" {
				return "no textual change", nil
			}
			return f.Patch, nil
		}
	}
	return "no textual change", nil
}
