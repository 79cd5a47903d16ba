// Package transfer copies the local working copy onto the target host.
// The primary mechanism is a mirrored SFTP sync that deletes remote files
// absent locally; when the SFTP subsystem is unavailable it falls back to
// streaming a tar archive over the SSH session, a full recursive copy with
// no deletion semantics. That weaker guarantee is logged, not hidden.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"archive/tar"

	"github.com/pkg/sftp"

	"caravel/internal/sshx"
)

// TransferError reports a failed synchronization of the working copy
type TransferError struct {
	RemoteDir string
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to transfer working copy to %s: %v", e.RemoteDir, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// skipNames are top-level entries never shipped to the remote host
var skipNames = map[string]bool{
	".git": true,
}

// Transporter synchronizes a local directory into a remote one
type Transporter struct {
	client *sshx.Client
	logger *slog.Logger
}

// New creates a transporter over an established SSH connection
func New(client *sshx.Client, logger *slog.Logger) *Transporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transporter{client: client, logger: logger}
}

// Sync ensures remoteDir exists, is owned by the connecting user, and holds
// exactly the local working copy's file set.
func (t *Transporter) Sync(ctx context.Context, localDir, remoteDir string) error {
	if _, err := t.client.Run(ctx, fmt.Sprintf("mkdir -p %q && chown \"$(id -un)\" %q", remoteDir, remoteDir)); err != nil {
		return &TransferError{RemoteDir: remoteDir, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	sftpClient, err := t.client.SFTP()
	if err != nil {
		t.logger.Warn("sftp unavailable, falling back to full copy without deletion", "error", err)
		if err := t.tarCopy(ctx, localDir, remoteDir); err != nil {
			return &TransferError{RemoteDir: remoteDir, Err: err}
		}
		return nil
	}
	defer sftpClient.Close()

	if err := t.mirror(ctx, sftpClient, localDir, remoteDir); err != nil {
		return &TransferError{RemoteDir: remoteDir, Err: err}
	}
	return nil
}

// collectLocal walks the working copy and returns its shippable file set,
// keyed by slash-separated path relative to localDir.
func collectLocal(localDir string) (map[string]os.FileInfo, error) {
	local := map[string]os.FileInfo{}

	err := filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if skipNames[top] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		local[filepath.ToSlash(rel)] = info
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk working copy: %w", err)
	}
	return local, nil
}

// sortedPaths returns the file set's paths with directories before their
// contents.
func sortedPaths(local map[string]os.FileInfo) []string {
	rels := make([]string, 0, len(local))
	for rel := range local {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return rels
}

// mirror uploads new and changed files and removes remote entries that no
// longer exist locally, so the remote file set equals the local one.
func (t *Transporter) mirror(ctx context.Context, client *sftp.Client, localDir, remoteDir string) error {
	local, err := collectLocal(localDir)
	if err != nil {
		return err
	}

	uploaded, skipped := 0, 0
	rels := sortedPaths(local)

	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return err
		}
		info := local[rel]
		remotePath := path.Join(remoteDir, rel)

		if info.IsDir() {
			if err := client.MkdirAll(remotePath); err != nil {
				return fmt.Errorf("failed to create remote dir %s: %w", remotePath, err)
			}
			continue
		}

		if st, err := client.Stat(remotePath); err == nil &&
			st.Size() == info.Size() && st.ModTime().Unix() == info.ModTime().Unix() {
			skipped++
			continue
		}
		if err := t.upload(client, filepath.Join(localDir, filepath.FromSlash(rel)), remotePath, info); err != nil {
			return err
		}
		uploaded++
	}

	removed, err := t.deleteExtraneous(ctx, client, remoteDir, local)
	if err != nil {
		return err
	}

	t.logger.Info("working copy synchronized",
		"uploaded", uploaded, "unchanged", skipped, "removed", removed)
	return nil
}

func (t *Transporter) upload(client *sftp.Client, localPath, remotePath string, info os.FileInfo) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", remotePath, err)
	}

	if err := client.Chmod(remotePath, info.Mode().Perm()); err != nil {
		t.logger.Warn("failed to set remote file mode", "path", remotePath, "error", err)
	}
	if err := client.Chtimes(remotePath, info.ModTime(), info.ModTime()); err != nil {
		t.logger.Warn("failed to set remote file times", "path", remotePath, "error", err)
	}
	return nil
}

// deleteExtraneous removes remote entries with no local counterpart.
// Files go first, then directories deepest-first so they are empty by the
// time they are removed.
func (t *Transporter) deleteExtraneous(ctx context.Context, client *sftp.Client, remoteDir string, local map[string]os.FileInfo) (int, error) {
	var staleFiles, staleDirs []string

	walker := client.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return 0, fmt.Errorf("failed to walk remote directory: %w", err)
		}
		p := walker.Path()
		if p == remoteDir {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, remoteDir), "/")
		if _, ok := local[rel]; ok {
			continue
		}
		if walker.Stat().IsDir() {
			staleDirs = append(staleDirs, p)
			walker.SkipDir()
		} else {
			staleFiles = append(staleFiles, p)
		}
	}

	removed := 0
	for _, p := range staleFiles {
		if err := client.Remove(p); err != nil {
			return removed, fmt.Errorf("failed to remove remote file %s: %w", p, err)
		}
		removed++
	}
	// deepest first; stale directories may still hold files the walk
	// skipped, so they go through the shell rather than sftp's rmdir
	sort.Slice(staleDirs, func(i, j int) bool { return len(staleDirs[i]) > len(staleDirs[j]) })
	for _, p := range staleDirs {
		if out, err := t.client.Run(ctx, fmt.Sprintf("rm -rf %q", p)); err != nil {
			return removed, fmt.Errorf("failed to remove remote dir %s: %s: %w", p, out, err)
		}
		removed++
	}
	return removed, nil
}

// tarCopy streams the working copy as a tar archive into the remote
// directory. Extraneous remote files are NOT deleted on this path.
func (t *Transporter) tarCopy(ctx context.Context, localDir, remoteDir string) error {
	local, err := collectLocal(localDir)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		var err error
		for _, rel := range sortedPaths(local) {
			info := local[rel]
			var hdr *tar.Header
			if hdr, err = tar.FileInfoHeader(info, ""); err != nil {
				break
			}
			hdr.Name = rel
			if err = tw.WriteHeader(hdr); err != nil {
				break
			}
			if info.IsDir() {
				continue
			}
			var f *os.File
			if f, err = os.Open(filepath.Join(localDir, filepath.FromSlash(rel))); err != nil {
				break
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				break
			}
		}
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()

	cmd := fmt.Sprintf("tar -xpf - -C %q", remoteDir)
	if err := t.client.RunWithInput(ctx, cmd, pr); err != nil {
		return fmt.Errorf("tar extraction failed: %w", err)
	}
	return nil
}
