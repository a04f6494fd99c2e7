package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/codedogQBY/nimbus-sub000/interfaces"
)

// CleanPath normalizes a logical path to a rooted slash path without a
// trailing slash. The root is "/".
func CleanPath(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

// IsRoot reports whether p names the logical root.
func IsRoot(p string) bool {
	return CleanPath(p) == "/"
}

// IsUnder reports whether p lies strictly below folder.
func IsUnder(p, folder string) bool {
	p, folder = CleanPath(p), CleanPath(folder)
	if folder == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, folder+"/")
}

// CheckFolderMove rejects moving a folder onto itself or into its own
// subtree.
func CheckFolderMove(from, to string) error {
	from, to = CleanPath(from), CleanPath(to)
	if from == to {
		return fmt.Errorf("%w: source and destination are the same", interfaces.ErrConfiguration)
	}
	if IsUnder(to, from) {
		return fmt.Errorf("%w: cannot move %s into its own subfolder %s", interfaces.ErrConfiguration, from, to)
	}
	return nil
}

// SplitPrefixes returns the ordered ancestors of p including p itself:
// "/a/b/c" yields ["/a", "/a/b", "/a/b/c"]. The root yields nothing.
func SplitPrefixes(p string) []string {
	p = CleanPath(p)
	if p == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	prefixes := make([]string, 0, len(parts))
	current := ""
	for _, part := range parts {
		current += "/" + part
		prefixes = append(prefixes, current)
	}
	return prefixes
}

// EnsureFolderPath creates every missing folder along p on adapter. Each
// prefix is checked with FolderExists and created only when absent, so a
// second call issues no creations. It is not transactional: a failure part
// way leaves the created prefixes in place and a later call completes the path.
func EnsureFolderPath(ctx context.Context, adapter interfaces.StorageAdapter, p string) error {
	for _, prefix := range SplitPrefixes(p) {
		exists, err := adapter.FolderExists(ctx, prefix)
		if err != nil {
			return fmt.Errorf("checking folder %s: %w", prefix, err)
		}
		if exists {
			continue
		}
		if err := adapter.CreateFolder(ctx, prefix); err != nil {
			return fmt.Errorf("creating folder %s: %w", prefix, err)
		}
	}
	return nil
}

// objectKey maps a logical path to a bucket key under prefix.
func objectKey(prefix, p string) string {
	key := strings.TrimPrefix(CleanPath(p), "/")
	if prefix == "" {
		return key
	}
	if key == "" {
		return prefix
	}
	return prefix + "/" + key
}

// folderKey maps a logical folder path to a key prefix ending in "/". The
// root under an empty prefix is "".
func folderKey(prefix, p string) string {
	key := objectKey(prefix, p)
	if key == "" {
		return ""
	}
	return key + "/"
}

// logicalPath maps a bucket key back to a logical path.
func logicalPath(prefix, key string) string {
	if prefix != "" {
		key = strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
	}
	return CleanPath(key)
}

// relocate rewrites key from the from-folder to the to-folder.
func relocate(key, fromKey, toKey string) string {
	return toKey + strings.TrimPrefix(key, fromKey)
}

func joinPath(folder, name string) string {
	return CleanPath(path.Join(CleanPath(folder), name))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validateObject(obj *interfaces.Object) error {
	if obj == nil {
		return fmt.Errorf("nil object")
	}
	if strings.TrimSpace(obj.Name) == "" || strings.Contains(obj.Name, "/") {
		return fmt.Errorf("invalid object name %q", obj.Name)
	}
	return nil
}
