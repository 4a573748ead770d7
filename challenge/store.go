// Package challenge resolves challenge identifiers to directories beneath a
// fixed root and loads their stored flag digests.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ctf-scoring/models"
	"ctf-scoring/verify"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FlagFile is the artifact holding a challenge's SHA3-512 flag digest.
const FlagFile = "flag.sha3-512"

var (
	ErrInvalidIdentifier = errors.New("invalid challenge identifier")
	ErrNotFound          = errors.New("challenge not found")
	ErrStorage           = errors.New("challenge storage failure")
)

// Store reads challenge secrets from a directory tree. All file access goes
// through an os.Root, so symlinks cannot lead outside the tree.
type Store struct {
	dir  string
	root *os.Root
	l    *zap.Logger

	cache sync.Map // canonical name -> models.SecretHash
	group singleflight.Group
}

func New(dir string, l *zap.Logger) (*Store, error) {
	if l == nil {
		l = zap.NewNop()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve challenge root %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat challenge root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("challenge root %s is not a directory", abs)
	}

	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open challenge root %s: %w", abs, err)
	}

	return &Store{
		dir:  abs,
		root: root,
		l:    l.Named("challenge"),
	}, nil
}

func (s *Store) Close() error {
	return s.root.Close()
}

// Dir returns the absolute challenge root.
func (s *Store) Dir() string {
	return s.dir
}

// canonical turns id into the name of a directory directly beneath the root,
// or fails with ErrInvalidIdentifier.
func (s *Store) canonical(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "\x00\\") {
		return "", ErrInvalidIdentifier
	}
	if filepath.IsAbs(id) || strings.HasPrefix(id, "/") {
		return "", ErrInvalidIdentifier
	}
	for _, seg := range strings.Split(id, "/") {
		if seg == ".." {
			return "", ErrInvalidIdentifier
		}
	}

	full := filepath.Join(s.dir, id)
	rel, err := filepath.Rel(s.dir, full)
	if err != nil {
		return "", ErrInvalidIdentifier
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidIdentifier
	}
	// Challenges live directly beneath the root.
	if strings.ContainsRune(rel, filepath.Separator) {
		return "", ErrInvalidIdentifier
	}
	return rel, nil
}

// Resolve maps a challenge identifier to its directory. Traversal segments,
// absolute paths and nested names fail with ErrInvalidIdentifier, as does a
// symlink that points outside the root.
func (s *Store) Resolve(id string) (models.ChallengePath, error) {
	name, err := s.canonical(id)
	if err != nil {
		return models.ChallengePath{}, err
	}

	info, err := s.root.Stat(name)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return models.ChallengePath{}, ErrNotFound
	default:
		return models.ChallengePath{}, fmt.Errorf("%w: %w", ErrInvalidIdentifier, err)
	}
	if !info.IsDir() {
		return models.ChallengePath{}, ErrNotFound
	}

	return models.ChallengePath{
		Name: name,
		Dir:  filepath.Join(s.dir, name),
	}, nil
}

// LoadSecret reads and normalizes the flag digest of a resolved challenge.
func (s *Store) LoadSecret(ctx context.Context, p models.ChallengePath) (models.SecretHash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, err := s.root.ReadFile(filepath.Join(p.Name, FlagFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		s.l.Error("failed to read flag digest", zap.String("challenge", p.Name), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return verify.Normalize(string(raw)), nil
}

// Secret resolves id and returns the challenge with its digest. Digests are
// cached after the first successful load; concurrent first loads of the same
// challenge share one read.
func (s *Store) Secret(ctx context.Context, id string) (models.Challenge, error) {
	name, err := s.canonical(id)
	if err != nil {
		return models.Challenge{}, err
	}
	path := models.ChallengePath{Name: name, Dir: filepath.Join(s.dir, name)}

	if v, ok := s.cache.Load(name); ok {
		return models.Challenge{ID: name, Path: path, SecretHash: v.(models.SecretHash)}, nil
	}

	v, err, _ := s.group.Do(name, func() (interface{}, error) {
		p, err := s.Resolve(name)
		if err != nil {
			return nil, err
		}
		hash, err := s.LoadSecret(ctx, p)
		if err != nil {
			return nil, err
		}
		s.cache.Store(name, hash)
		return hash, nil
	})
	if err != nil {
		return models.Challenge{}, err
	}

	return models.Challenge{ID: name, Path: path, SecretHash: v.(models.SecretHash)}, nil
}

// Invalidate drops the cached digest of id.
func (s *Store) Invalidate(id string) {
	if name, err := s.canonical(id); err == nil {
		s.cache.Delete(name)
	}
}

// Provision creates the challenge directory if needed and stores the digest
// of flag in it.
func (s *Store) Provision(id, flag string) (models.ChallengePath, error) {
	name, err := s.canonical(id)
	if err != nil {
		return models.ChallengePath{}, err
	}

	if err := s.root.Mkdir(name, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return models.ChallengePath{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	digest := verify.Digest(flag)
	if err := s.root.WriteFile(filepath.Join(name, FlagFile), []byte(string(digest)+"\n"), 0o644); err != nil {
		return models.ChallengePath{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	s.cache.Delete(name)

	return models.ChallengePath{Name: name, Dir: filepath.Join(s.dir, name)}, nil
}
