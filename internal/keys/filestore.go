package keys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	privateFile     = "private.pem"
	publicFile      = "public.pem"
	archivePrefix   = "public-"
	archivePrivate  = "private-"
	revokedPrefix   = "revoked-"
	archiveStamp    = "20060102T150405Z"
	archiveKIDChars = 8
)

// FileStore keeps the current keypair as private.pem/public.pem in dir.
// Rotation copies the outgoing pair to private-<stamp>-<kid>.pem and
// public-<stamp>-<kid>.pem, stamped with the retire time.
type FileStore struct {
	dir string
}

// NewFileStore creates dir when missing.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("keys: key directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the key directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Load implements Store. The private key is authoritative for the current
// key id; public.pem is informational.
func (s *FileStore) Load(_ context.Context) (*Key, []*Key, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, privateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNoKey
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	priv, headers, err := decodePrivate(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	generated := headerTime(headers, headerGeneratedAt)
	if generated.IsZero() {
		if st, statErr := os.Stat(filepath.Join(s.dir, privateFile)); statErr == nil {
			generated = st.ModTime().UTC()
		}
	}
	active, err := newKey(priv, &priv.PublicKey, generated)
	if err != nil {
		return nil, nil, err
	}
	archived, err := s.archived()
	if err != nil {
		return nil, nil, err
	}
	return active, archived, nil
}

func (s *FileStore) archived() ([]*Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list key dir: %w", err)
	}
	var out []*Key
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, ".pem") {
			continue
		}
		key, err := s.readArchive(name)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	// newest retirement first
	sort.Slice(out, func(i, j int) bool { return out[i].RetiredAt.After(out[j].RetiredAt) })
	return out, nil
}

func (s *FileStore) readArchive(name string) (*Key, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read archived key %s: %w", name, err)
	}
	pub, headers, err := decodePublic(data)
	if err != nil {
		return nil, fmt.Errorf("parse archived key %s: %w", name, err)
	}
	key, err := newKey(nil, pub, headerTime(headers, headerGeneratedAt))
	if err != nil {
		return nil, err
	}
	retired := headerTime(headers, headerRetiredAt)
	if retired.IsZero() {
		retired, err = stampFromName(name)
		if err != nil {
			return nil, err
		}
	}
	key.State = StateRetiring
	key.RetiredAt = retired
	return key, nil
}

func stampFromName(name string) (time.Time, error) {
	rest := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), ".pem")
	stamp, _, _ := strings.Cut(rest, "-")
	t, err := time.Parse(archiveStamp, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("archived key %s: bad timestamp: %w", name, err)
	}
	return t.UTC(), nil
}

func archiveName(prefix string, k *Key) string {
	kid := k.ID
	if len(kid) > archiveKIDChars {
		kid = kid[:archiveKIDChars]
	}
	return prefix + k.RetiredAt.UTC().Format(archiveStamp) + "-" + kid + ".pem"
}

// Save implements Store. Archives are written before the current files are
// replaced so a failure leaves the previous key in place.
func (s *FileStore) Save(_ context.Context, next, previous *Key) error {
	if next == nil || next.Private == nil {
		return errors.New("keys: next key must carry a private key")
	}
	if previous != nil {
		pub, err := encodePublic(previous)
		if err != nil {
			return err
		}
		if previous.Private != nil {
			priv, err := encodePrivate(previous)
			if err != nil {
				return err
			}
			if err := writeFileAtomic(filepath.Join(s.dir, archiveName(archivePrivate, previous)), priv, 0o600); err != nil {
				return err
			}
		}
		if err := writeFileAtomic(filepath.Join(s.dir, archiveName(archivePrefix, previous)), pub, 0o644); err != nil {
			return err
		}
	}
	pub, err := encodePublic(next)
	if err != nil {
		return err
	}
	priv, err := encodePrivate(next)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, publicFile), pub, 0o644); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, privateFile), priv, 0o600)
}

// Revoke implements Store by renaming the archived public key so it is no
// longer loaded.
func (s *FileStore) Revoke(_ context.Context, key *Key) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list key dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, archivePrefix) {
			continue
		}
		archived, err := s.readArchive(name)
		if err != nil {
			return err
		}
		if archived.ID != key.ID {
			continue
		}
		src := filepath.Join(s.dir, name)
		dst := filepath.Join(s.dir, revokedPrefix+name)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("revoke archived key: %w", err)
		}
		return nil
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("install %s: %w", filepath.Base(path), err)
	}
	return nil
}
