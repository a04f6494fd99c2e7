package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
	shell "github.com/ipfs/go-ipfs-api"
)

// mfsDirType is the entry type the node reports for directories in files/ls.
const mfsDirType = 1

// IPFSConfig configures an IPFS node whose mutable file system (MFS) holds
// the files.
type IPFSConfig struct {
	APIURL  string `json:"apiUrl"`
	Root    string `json:"root"`
	Gateway string `json:"gateway"`
}

// IPFSAdapter stores files in the node's MFS under Root. MFS is a real
// directory tree; every write also yields a content identifier that is
// published through the gateway URL.
type IPFSAdapter struct {
	sourceInfo
	shell   *shell.Shell
	apiURL  string
	root    string
	gateway string
}

func NewIPFSAdapter(desc interfaces.SourceDescriptor, cfg IPFSConfig, client *http.Client, log *slog.Logger) (*IPFSAdapter, error) {
	if err := requireFields(desc.Kind, "apiUrl", cfg.APIURL); err != nil {
		return nil, err
	}
	root := CleanPath(cfg.Root)
	if cfg.Root == "" {
		root = "/nimbus"
	}
	gateway := strings.TrimSuffix(cfg.Gateway, "/")
	if gateway == "" {
		gateway = "https://ipfs.io"
	}
	return &IPFSAdapter{
		sourceInfo: newSourceInfo(desc, log),
		shell:      shell.NewShellWithClient(cfg.APIURL, client),
		apiURL:     cfg.APIURL,
		root:       root,
		gateway:    gateway,
	}, nil
}

func (b *IPFSAdapter) Capabilities() interfaces.Capabilities {
	return interfaces.Capabilities{
		NativeFolders: true,
		Delete:        true,
		MoveCopy:      true,
		Bulk:          true,
	}
}

// mfsPath maps a logical path into the MFS root.
func (b *IPFSAdapter) mfsPath(p string) string {
	return CleanPath(path.Join(b.root, CleanPath(p)))
}

// Connect checks that the node is up and creates the MFS root.
func (b *IPFSAdapter) Connect(ctx context.Context) error {
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("api", b.apiURL))
		return b.fail("connect", "", fmt.Errorf("%w: node at %s is not up", interfaces.ErrTransientNetwork, b.apiURL))
	}
	if err := b.shell.FilesMkdir(ctx, b.root, shell.FilesMkdir.Parents(true)); err != nil {
		return b.fail("connect", b.root, ipfsError(err))
	}
	return nil
}

func (b *IPFSAdapter) Disconnect(ctx context.Context) error {
	return nil
}

func (b *IPFSAdapter) TestConnection(ctx context.Context) bool {
	return b.probe(ctx, func(ctx context.Context) error {
		_, err := b.shell.FilesStat(ctx, b.root)
		return ipfsError(err)
	})
}

func (b *IPFSAdapter) Upload(ctx context.Context, folder string, obj *interfaces.Object) (*interfaces.UploadResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	start := time.Now()
	p := joinPath(folder, obj.Name)
	target := b.mfsPath(p)

	err := b.shell.FilesWrite(ctx, target, bytes.NewReader(obj.Data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return b.uploadFailed(p, start, ipfsError(err)), nil
	}

	res := &interfaces.UploadResult{
		Success: true,
		Path:    p,
		Size:    obj.Size(),
		Hash:    sha256Hex(obj.Data),
	}
	if stat, err := b.shell.FilesStat(ctx, target); err == nil {
		res.URL = b.gateway + "/ipfs/" + stat.Hash
		res.Metadata = map[string]string{"cid": stat.Hash}
	} else {
		b.log.Warn("Failed to resolve CID after upload", slog.String("path", p), "err", err)
	}
	return b.uploaded(res, start), nil
}

func (b *IPFSAdapter) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := b.shell.FilesRead(ctx, b.mfsPath(p))
	err = ipfsError(err)
	b.observe("download", start, err)
	if err != nil {
		return nil, b.fail("download", p, err)
	}
	return rc, nil
}

func (b *IPFSAdapter) Delete(ctx context.Context, p string) error {
	start := time.Now()
	err := b.deleteFile(ctx, p)
	b.observe("delete", start, err)
	if err != nil {
		return b.fail("delete", p, err)
	}
	return nil
}

func (b *IPFSAdapter) deleteFile(ctx context.Context, p string) error {
	stat, err := b.shell.FilesStat(ctx, b.mfsPath(p))
	if err != nil {
		return ipfsError(err)
	}
	if stat.Type == "directory" {
		return fmt.Errorf("%w: %s is a directory", interfaces.ErrNotFound, p)
	}
	return ipfsError(b.shell.FilesRm(ctx, b.mfsPath(p), false))
}

func (b *IPFSAdapter) Stat(ctx context.Context, p string) (*interfaces.FileInfo, error) {
	stat, err := b.shell.FilesStat(ctx, b.mfsPath(p))
	if err != nil {
		return nil, b.fail("stat", p, ipfsError(err))
	}
	if stat.Type == "directory" {
		return nil, b.fail("stat", p, fmt.Errorf("%w: %s is a directory", interfaces.ErrNotFound, p))
	}
	return &interfaces.FileInfo{
		Name: path.Base(CleanPath(p)),
		Path: CleanPath(p),
		Size: int64(stat.Size),
		Hash: stat.Hash,
		URL:  b.gateway + "/ipfs/" + stat.Hash,
	}, nil
}

func (b *IPFSAdapter) ensureParent(ctx context.Context, p string) error {
	return ipfsError(b.shell.FilesMkdir(ctx, path.Dir(b.mfsPath(p)), shell.FilesMkdir.Parents(true)))
}

func (b *IPFSAdapter) Move(ctx context.Context, from, to string) error {
	err := b.ensureParent(ctx, to)
	if err == nil {
		err = ipfsError(b.shell.FilesMv(ctx, b.mfsPath(from), b.mfsPath(to)))
	}
	if err != nil {
		return b.fail("move", from, err)
	}
	return nil
}

func (b *IPFSAdapter) Copy(ctx context.Context, from, to string) error {
	err := b.ensureParent(ctx, to)
	if err == nil {
		err = ipfsError(b.shell.FilesCp(ctx, b.mfsPath(from), b.mfsPath(to)))
	}
	if err != nil {
		return b.fail("copy", from, err)
	}
	return nil
}

func (b *IPFSAdapter) CreateFolder(ctx context.Context, p string) error {
	if err := b.shell.FilesMkdir(ctx, b.mfsPath(p), shell.FilesMkdir.Parents(true)); err != nil {
		return b.fail("create-folder", p, ipfsError(err))
	}
	return nil
}

func (b *IPFSAdapter) FolderExists(ctx context.Context, p string) (bool, error) {
	stat, err := b.shell.FilesStat(ctx, b.mfsPath(p))
	if err != nil {
		err = ipfsError(err)
		if isNotFound(err) {
			return false, nil
		}
		return false, b.fail("folder-exists", p, err)
	}
	return stat.Type == "directory", nil
}

func (b *IPFSAdapter) DeleteFolder(ctx context.Context, p string, recursive bool) error {
	if IsRoot(p) {
		return b.fail("delete-folder", p, fmt.Errorf("%w: cannot delete root", interfaces.ErrPermission))
	}
	if !recursive {
		entries, err := b.shell.FilesLs(ctx, b.mfsPath(p))
		if err != nil {
			return b.fail("delete-folder", p, ipfsError(err))
		}
		if len(entries) > 0 {
			return b.fail("delete-folder", p, interfaces.ErrFolderNotEmpty)
		}
	}
	if err := b.shell.FilesRm(ctx, b.mfsPath(p), true); err != nil {
		return b.fail("delete-folder", p, ipfsError(err))
	}
	return nil
}

// MoveFolder renames the directory in place; MFS moves are atomic.
func (b *IPFSAdapter) MoveFolder(ctx context.Context, from, to string) error {
	if err := CheckFolderMove(from, to); err != nil {
		return b.fail("move-folder", from, err)
	}
	if err := b.Move(ctx, from, to); err != nil {
		return b.fail("move-folder", from, err)
	}
	return nil
}

func (b *IPFSAdapter) ListFolder(ctx context.Context, p string) (*interfaces.FolderListing, error) {
	entries, err := b.shell.FilesLs(ctx, b.mfsPath(p), shell.FilesLs.Stat(true))
	if err != nil {
		return nil, b.fail("list-folder", p, ipfsError(err))
	}
	var files []interfaces.FileInfo
	var folders []interfaces.FolderInfo
	for _, e := range entries {
		child := joinPath(p, e.Name)
		if int(e.Type) == mfsDirType {
			folders = append(folders, interfaces.FolderInfo{
				Name:      e.Name,
				Path:      child,
				ItemCount: interfaces.UnknownItemCount,
			})
			continue
		}
		files = append(files, interfaces.FileInfo{
			Name: e.Name,
			Path: child,
			Size: int64(e.Size),
			Hash: e.Hash,
			URL:  b.gateway + "/ipfs/" + e.Hash,
		})
	}
	return interfaces.NewFolderListing(files, folders), nil
}

// ipfsError maps node errors onto the error taxonomy. The HTTP API reports
// missing paths only through the message text.
func ipfsError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "does not exist"), strings.Contains(msg, "no link named"):
		return fmt.Errorf("%w: %v", interfaces.ErrNotFound, err)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", interfaces.ErrTransientNetwork, err)
	default:
		return err
	}
}
