// Package backup snapshots the data directory so the execution ledger
// and token store survive host loss. Snapshots are plain tar.gz files;
// restore is a flat unpack over the data directory.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/logger"
)

const snapshotPrefix = "loom_"

// Manager creates and restores data directory snapshots.
type Manager struct {
	dataDir   string
	backupDir string
	keep      int
}

// Snapshot describes one archive on disk.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
}

// New creates a Manager. keep bounds how many snapshots are retained;
// values below 1 keep a single snapshot.
func New(dataDir, backupDir string, keep int) (*Manager, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	if keep < 1 {
		keep = 1
	}
	return &Manager{dataDir: dataDir, backupDir: backupDir, keep: keep}, nil
}

// Snapshot archives the data directory and enforces retention.
// Databases are copied file-by-file without locking; schedule snapshots
// for quiet hours.
func (m *Manager) Snapshot() (*Snapshot, error) {
	timestamp := time.Now()
	filename := snapshotPrefix + timestamp.Format("20060102_150405") + ".tar.gz"
	archivePath := filepath.Join(m.backupDir, filename)

	file, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() { _ = file.Close() }()

	gw := gzip.NewWriter(file)
	tw := tar.NewWriter(gw)

	walkErr := filepath.Walk(m.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// The backup directory may live inside the data directory; never
		// archive snapshots into a snapshot.
		if info.IsDir() && sameDir(path, m.backupDir) {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(m.dataDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := gw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		_ = os.Remove(archivePath)
		return nil, fmt.Errorf("failed to snapshot data directory: %w", walkErr)
	}

	stat, err := os.Stat(archivePath)
	if err != nil {
		return nil, err
	}
	logger.Info("data snapshot created", "file", filename, "bytes", stat.Size())

	m.enforceRetention()

	return &Snapshot{Timestamp: timestamp, Filename: filename, SizeBytes: stat.Size()}, nil
}

// Restore unpacks a snapshot over the data directory. The server must
// not be running.
func (m *Manager) Restore(filename string) error {
	archivePath := filepath.Join(m.backupDir, filepath.Base(filename))
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = file.Close() }()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	defer func() { _ = gr.Close() }()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}

		target, err := securePath(m.dataDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			f, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			_ = f.Close()
		}
	}

	logger.Info("data snapshot restored", "file", filename)
	return nil
}

// List returns snapshots newest first.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), ".tar.gz")
		timestamp, err := time.Parse("20060102_150405", stamp)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			Filename:  name,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

func (m *Manager) enforceRetention() {
	snapshots, err := m.List()
	if err != nil {
		return
	}
	for i := m.keep; i < len(snapshots); i++ {
		path := filepath.Join(m.backupDir, snapshots[i].Filename)
		if err := os.Remove(path); err == nil {
			logger.Debug("removed old snapshot", "file", snapshots[i].Filename)
		}
	}
}

func sameDir(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

// securePath rejects archive entries that would escape the target root.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("snapshot entry escapes data directory: %s", name)
	}
	return target, nil
}
