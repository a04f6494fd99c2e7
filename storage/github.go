package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
	"github.com/google/go-github/v67/github"
)

// gitKeep is the placeholder file that materializes an empty folder in git.
const gitKeep = ".gitkeep"

// GitHubConfig configures a repository used as file storage.
type GitHubConfig struct {
	Token   string `json:"token"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Path    string `json:"path"`
	APIBase string `json:"apiBase"`
}

// GitHubAdapter stores files in a repository through the contents API. Every
// write is a commit on the configured branch.
type GitHubAdapter struct {
	sourceInfo
	client *github.Client
	owner  string
	repo   string
	branch string
	root   string
}

func NewGitHubAdapter(desc interfaces.SourceDescriptor, cfg GitHubConfig, httpClient *http.Client, log *slog.Logger) (*GitHubAdapter, error) {
	if err := requireFields(desc.Kind,
		"token", cfg.Token,
		"repo", cfg.Repo); err != nil {
		return nil, err
	}
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "repo", Message: "must be in owner/repo form"}
	}

	client := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.APIBase != "" {
		baseURL, err := client.BaseURL.Parse(strings.TrimSuffix(cfg.APIBase, "/") + "/")
		if err != nil {
			return nil, &interfaces.ConfigError{Kind: desc.Kind, Field: "apiBase", Message: err.Error()}
		}
		client.BaseURL = baseURL
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}

	return &GitHubAdapter{
		sourceInfo: newSourceInfo(desc, log),
		client:     client,
		owner:      owner,
		repo:       repo,
		branch:     branch,
		root:       strings.Trim(cfg.Path, "/"),
	}, nil
}

func (b *GitHubAdapter) Capabilities() interfaces.Capabilities {
	return interfaces.Capabilities{Delete: true, MoveCopy: true}
}

// Connect checks that the token can read the repository.
func (b *GitHubAdapter) Connect(ctx context.Context) error {
	if err := b.checkRepo(ctx); err != nil {
		return b.fail("connect", "", err)
	}
	return nil
}

func (b *GitHubAdapter) Disconnect(ctx context.Context) error {
	return nil
}

func (b *GitHubAdapter) TestConnection(ctx context.Context) bool {
	return b.probe(ctx, b.checkRepo)
}

func (b *GitHubAdapter) checkRepo(ctx context.Context) error {
	_, resp, err := b.client.Repositories.Get(ctx, b.owner, b.repo)
	return githubError(err, resp)
}

// repoPath maps a logical path to a path inside the repository.
func (b *GitHubAdapter) repoPath(p string) string {
	return objectKey(b.root, p)
}

func (b *GitHubAdapter) getOpts() *github.RepositoryContentGetOptions {
	return &github.RepositoryContentGetOptions{Ref: b.branch}
}

// getFile returns file metadata and content. A directory at p is reported as
// not found.
func (b *GitHubAdapter) getFile(ctx context.Context, p string) (*github.RepositoryContent, error) {
	file, _, resp, err := b.client.Repositories.GetContents(ctx, b.owner, b.repo, b.repoPath(p), b.getOpts())
	if err != nil {
		return nil, githubError(err, resp)
	}
	if file == nil {
		return nil, fmt.Errorf("%w: %s is a directory", interfaces.ErrNotFound, p)
	}
	return file, nil
}

// getDir returns the entries of a directory.
func (b *GitHubAdapter) getDir(ctx context.Context, p string) ([]*github.RepositoryContent, error) {
	_, dir, resp, err := b.client.Repositories.GetContents(ctx, b.owner, b.repo, b.repoPath(p), b.getOpts())
	if err != nil {
		return nil, githubError(err, resp)
	}
	if dir == nil {
		return nil, fmt.Errorf("%w: %s is a file", interfaces.ErrNotFound, p)
	}
	return dir, nil
}

// putFile creates or replaces the file at p.
func (b *GitHubAdapter) putFile(ctx context.Context, p string, data []byte, message string) (*github.RepositoryContentResponse, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: data,
		Branch:  github.String(b.branch),
	}

	existing, err := b.getFile(ctx, p)
	switch {
	case err == nil:
		opts.SHA = github.String(existing.GetSHA())
		out, resp, err := b.client.Repositories.UpdateFile(ctx, b.owner, b.repo, b.repoPath(p), opts)
		return out, githubError(err, resp)
	case errors.Is(err, interfaces.ErrNotFound):
		out, resp, err := b.client.Repositories.CreateFile(ctx, b.owner, b.repo, b.repoPath(p), opts)
		return out, githubError(err, resp)
	default:
		return nil, err
	}
}

func (b *GitHubAdapter) deleteFile(ctx context.Context, repoPath, sha string) error {
	_, resp, err := b.client.Repositories.DeleteFile(ctx, b.owner, b.repo, repoPath, &github.RepositoryContentFileOptions{
		Message: github.String("Delete " + repoPath),
		SHA:     github.String(sha),
		Branch:  github.String(b.branch),
	})
	return githubError(err, resp)
}

func (b *GitHubAdapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	start := time.Now()
	p := joinPath(folder, obj.Name)

	out, err := b.putFile(ctx, p, obj.Data, "Upload "+b.repoPath(p))
	if err != nil {
		return b.uploadFailed(p, start, err), nil
	}

	res := &interfaces.UploadResult{
		Success:  true,
		Path:     p,
		Size:     obj.Size(),
		Hash:     sha256Hex(obj.Data),
		Metadata: map[string]string{"branch": b.branch},
	}
	if out != nil && out.Content != nil {
		res.URL = out.Content.GetDownloadURL()
		res.Metadata["sha"] = out.Content.GetSHA()
		res.Metadata["htmlUrl"] = out.Content.GetHTMLURL()
	}
	return b.uploaded(res, start), nil
}

func (b *GitHubAdapter) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	data, err := b.readFile(ctx, p)
	b.observe("download", start, err)
	if err != nil {
		return nil, b.fail("download", p, err)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (b *GitHubAdapter) readFile(ctx context.Context, p string) (string, error) {
	file, err := b.getFile(ctx, p)
	if err != nil {
		return "", err
	}
	// Files over 1MB come back without inline content.
	if file.GetEncoding() == "none" || (file.Content == nil && file.GetSize() > 0) {
		rc, resp, err := b.client.Repositories.DownloadContents(ctx, b.owner, b.repo, b.repoPath(p), b.getOpts())
		if err != nil {
			return "", githubError(err, resp)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		return string(data), err
	}
	return file.GetContent()
}

func (b *GitHubAdapter) Delete(ctx context.Context, p string) error {
	start := time.Now()
	file, err := b.getFile(ctx, p)
	if err == nil {
		err = b.deleteFile(ctx, file.GetPath(), file.GetSHA())
	}
	b.observe("delete", start, err)
	if err != nil {
		return b.fail("delete", p, err)
	}
	return nil
}

func (b *GitHubAdapter) Stat(ctx context.Context, p string) (*interfaces.FileInfo, error) {
	file, err := b.getFile(ctx, p)
	if err != nil {
		return nil, b.fail("stat", p, err)
	}
	return &interfaces.FileInfo{
		Name: file.GetName(),
		Path: CleanPath(p),
		Size: int64(file.GetSize()),
		Hash: file.GetSHA(),
		URL:  file.GetDownloadURL(),
	}, nil
}

func (b *GitHubAdapter) Copy(ctx context.Context, from, to string) error {
	data, err := b.readFile(ctx, from)
	if err == nil {
		_, err = b.putFile(ctx, to, []byte(data), "Copy "+b.repoPath(from)+" to "+b.repoPath(to))
	}
	if err != nil {
		return b.fail("copy", from, err)
	}
	return nil
}

func (b *GitHubAdapter) Move(ctx context.Context, from, to string) error {
	if err := b.Copy(ctx, from, to); err != nil {
		return err
	}
	return b.Delete(ctx, from)
}

func (b *GitHubAdapter) CreateFolder(ctx context.Context, p string) error {
	if IsRoot(p) {
		return nil
	}
	if _, err := b.putFile(ctx, joinPath(p, gitKeep), []byte{}, "Create folder "+b.repoPath(p)); err != nil {
		return b.fail("create-folder", p, err)
	}
	return nil
}

func (b *GitHubAdapter) FolderExists(ctx context.Context, p string) (bool, error) {
	if IsRoot(p) && b.root == "" {
		return true, nil
	}
	_, err := b.getDir(ctx, p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, interfaces.ErrNotFound):
		return false, nil
	default:
		return false, b.fail("folder-exists", p, err)
	}
}

func (b *GitHubAdapter) ListFolder(ctx context.Context, p string) (*interfaces.FolderListing, error) {
	entries, err := b.getDir(ctx, p)
	if err != nil {
		return nil, b.fail("list-folder", p, err)
	}
	var files []interfaces.FileInfo
	var folders []interfaces.FolderInfo
	for _, e := range entries {
		logical := joinPath(p, e.GetName())
		switch e.GetType() {
		case "dir":
			folders = append(folders, interfaces.FolderInfo{
				Name:      e.GetName(),
				Path:      logical,
				ItemCount: interfaces.UnknownItemCount,
			})
		case "file":
			if e.GetName() == gitKeep {
				continue
			}
			files = append(files, interfaces.FileInfo{
				Name: e.GetName(),
				Path: logical,
				Size: int64(e.GetSize()),
				Hash: e.GetSHA(),
				URL:  e.GetDownloadURL(),
			})
		}
	}
	return interfaces.NewFolderListing(files, folders), nil
}

// walk returns every file below the logical folder p.
func (b *GitHubAdapter) walk(ctx context.Context, p string) ([]*github.RepositoryContent, error) {
	entries, err := b.getDir(ctx, p)
	if err != nil {
		return nil, err
	}
	var files []*github.RepositoryContent
	for _, e := range entries {
		switch e.GetType() {
		case "dir":
			sub, err := b.walk(ctx, joinPath(p, e.GetName()))
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		case "file":
			files = append(files, e)
		}
	}
	return files, nil
}

func (b *GitHubAdapter) DeleteFolder(ctx context.Context, p string, recursive bool) error {
	if IsRoot(p) {
		return b.fail("delete-folder", p, fmt.Errorf("%w: cannot delete root", interfaces.ErrPermission))
	}
	files, err := b.walk(ctx, p)
	if err != nil {
		return b.fail("delete-folder", p, err)
	}
	if !recursive {
		for _, f := range files {
			if f.GetName() != gitKeep || path.Dir(f.GetPath()) != b.repoPath(p) {
				return b.fail("delete-folder", p, interfaces.ErrFolderNotEmpty)
			}
		}
	}
	for _, f := range files {
		if err := b.deleteFile(ctx, f.GetPath(), f.GetSHA()); err != nil {
			return b.fail("delete-folder", p, err)
		}
	}
	return nil
}

// MoveFolder rewrites every file under from at the same relative path under
// to, one commit per file, then deletes the originals.
func (b *GitHubAdapter) MoveFolder(ctx context.Context, from, to string) error {
	if err := CheckFolderMove(from, to); err != nil {
		return b.fail("move-folder", from, err)
	}
	files, err := b.walk(ctx, from)
	if err != nil {
		return b.fail("move-folder", from, err)
	}
	fromKey, toKey := b.repoPath(from)+"/", b.repoPath(to)+"/"
	for _, f := range files {
		logicalFrom := logicalPath(b.root, f.GetPath())
		logicalTo := logicalPath(b.root, relocate(f.GetPath(), fromKey, toKey))
		if err := b.Copy(ctx, logicalFrom, logicalTo); err != nil {
			return b.fail("move-folder", from, err)
		}
		if err := b.deleteFile(ctx, f.GetPath(), f.GetSHA()); err != nil {
			return b.fail("move-folder", from, err)
		}
	}
	return nil
}

// githubError maps go-github errors onto the error taxonomy.
func githubError(err error, resp *github.Response) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)
	}

	statusCode := 0
	if resp != nil && resp.Response != nil {
		statusCode = resp.StatusCode
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		statusCode = ghErr.Response.StatusCode
	}
	if mapped := interfaces.ErrorForStatus(statusCode); mapped != nil {
		return fmt.Errorf("%w: %v", mapped, err)
	}
	if statusCode == 0 {
		return fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)
	}
	return err
}
