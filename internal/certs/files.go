package certs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	FullchainFile = "fullchain.pem"
	KeyFile       = "privkey.pem"
)

// Paths locates the installed certificate files the proxy reads.
type Paths struct {
	Fullchain string
	Key       string
}

// PathsIn returns the standard file names inside dir.
func PathsIn(dir string) Paths {
	return Paths{Fullchain: filepath.Join(dir, FullchainFile), Key: filepath.Join(dir, KeyFile)}
}

// Installed reports whether both files exist and are non-empty.
func Installed(fs afero.Fs, p Paths) (bool, error) {
	present, err := nonEmpty(fs, p)
	return len(present) == 2, err
}

// nonEmpty returns the paths among p that exist with content.
func nonEmpty(fs afero.Fs, p Paths) ([]string, error) {
	var present []string
	for _, path := range []string{p.Fullchain, p.Key} {
		info, err := fs.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() > 0 {
			present = append(present, path)
		}
	}
	return present, nil
}

// ReadBundle reads the files at p.
func ReadBundle(fs afero.Fs, p Paths) (*Bundle, error) {
	chain, err := afero.ReadFile(fs, p.Fullchain)
	if err != nil {
		return nil, err
	}
	key, err := afero.ReadFile(fs, p.Key)
	if err != nil {
		return nil, err
	}
	return &Bundle{Fullchain: chain, Key: key}, nil
}

// install writes b to p. Both files are staged next to their targets and
// renamed into place; if the second rename fails the first is rolled back.
func install(fs afero.Fs, p Paths, b *Bundle) error {
	if err := fs.MkdirAll(filepath.Dir(p.Fullchain), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(p.Fullchain), err)
	}
	if err := fs.MkdirAll(filepath.Dir(p.Key), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(p.Key), err)
	}

	keyTmp, err := stage(fs, p.Key, b.Key, 0o600)
	if err != nil {
		return err
	}
	chainTmp, err := stage(fs, p.Fullchain, b.Fullchain, 0o644)
	if err != nil {
		fs.Remove(keyTmp)
		return err
	}

	previousKey, prevErr := afero.ReadFile(fs, p.Key)
	if err := fs.Rename(keyTmp, p.Key); err != nil {
		fs.Remove(keyTmp)
		fs.Remove(chainTmp)
		return fmt.Errorf("install %s: %w", p.Key, err)
	}
	if err := fs.Rename(chainTmp, p.Fullchain); err != nil {
		fs.Remove(chainTmp)
		if prevErr == nil {
			_ = afero.WriteFile(fs, p.Key, previousKey, 0o600)
		} else {
			fs.Remove(p.Key)
		}
		return fmt.Errorf("install %s: %w", p.Fullchain, err)
	}
	return nil
}

func stage(fs afero.Fs, target string, data []byte, mode os.FileMode) (string, error) {
	tmp, err := afero.TempFile(fs, filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", target, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(name)
		return "", fmt.Errorf("stage %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(name)
		return "", fmt.Errorf("stage %s: %w", target, err)
	}
	if err := fs.Chmod(name, mode); err != nil {
		fs.Remove(name)
		return "", fmt.Errorf("chmod %s: %w", name, err)
	}
	return name, nil
}
