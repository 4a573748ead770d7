package challenge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"ctf-scoring/models"
	"ctf-scoring/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const warmupFlag = "FLAG{warmup}"

// newTestStore lays out
//
//	<tmp>/outside/flag.sha3-512
//	<tmp>/questions/crypto-500-warmup/flag.sha3-512
//	<tmp>/questions/web-100-noflag/
//	<tmp>/questions/notes.txt
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	base := t.TempDir()
	root := filepath.Join(base, "questions")
	outside := filepath.Join(base, "outside")

	require.NoError(t, os.MkdirAll(filepath.Join(root, "crypto-500-warmup"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "web-100-noflag"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))

	digest := strings.ToUpper(string(verify.Digest(warmupFlag)))
	require.NoError(t, os.WriteFile(filepath.Join(root, "crypto-500-warmup", FlagFile), []byte("  "+digest+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, FlagFile), []byte(verify.Digest("FLAG{outside}")), 0o644))

	s, err := New(root, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, base
}

func TestNew_Errors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New(file, nil)
	assert.Error(t, err)
}

func TestResolve_Valid(t *testing.T) {
	s, _ := newTestStore(t)

	for _, id := range []string{"crypto-500-warmup", "./crypto-500-warmup", "crypto-500-warmup/", ".//crypto-500-warmup"} {
		p, err := s.Resolve(id)
		require.NoError(t, err, id)
		assert.Equal(t, "crypto-500-warmup", p.Name, id)
		assert.Equal(t, filepath.Join(s.Dir(), "crypto-500-warmup"), p.Dir, id)
	}
}

func TestResolve_Containment(t *testing.T) {
	s, base := newTestStore(t)

	ids := []string{
		"",
		".",
		"./",
		"..",
		"../outside",
		"../questions/crypto-500-warmup",
		"crypto-500-warmup/../../outside",
		"crypto-500-warmup/..",
		"/etc/passwd",
		filepath.Join(base, "outside"),
		s.Dir(),
		"..\\outside",
		"crypto-500-warmup\x00",
		"crypto-500-warmup/nested",
	}
	for _, id := range ids {
		_, err := s.Resolve(id)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, "%q", id)
	}
}

func TestResolve_SymlinkEscape(t *testing.T) {
	s, base := newTestStore(t)

	if err := os.Symlink(filepath.Join(base, "outside"), filepath.Join(s.Dir(), "evil-100-escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := s.Resolve("evil-100-escape")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = s.Secret(context.Background(), "evil-100-escape")
	assert.Error(t, err)
}

func TestLoadSecret_SymlinkedFlagFile(t *testing.T) {
	s, base := newTestStore(t)

	dir := filepath.Join(s.Dir(), "leak-100-file")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if err := os.Symlink(filepath.Join(base, "outside", FlagFile), filepath.Join(dir, FlagFile)); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	p, err := s.Resolve("leak-100-file")
	require.NoError(t, err)

	hash, err := s.LoadSecret(context.Background(), p)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, hash)
}

func TestResolve_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Resolve("pwn-300-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// regular files are not challenges
	_, err = s.Resolve("notes.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSecret(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.Resolve("crypto-500-warmup")
	require.NoError(t, err)

	hash, err := s.LoadSecret(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, verify.Digest(warmupFlag), hash)

	p, err = s.Resolve("web-100-noflag")
	require.NoError(t, err)
	_, err = s.LoadSecret(ctx, p)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSecret_CanceledContext(t *testing.T) {
	s, _ := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.LoadSecret(ctx, models.ChallengePath{Name: "crypto-500-warmup"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSecret_Caches(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.Secret(ctx, "./crypto-500-warmup")
	require.NoError(t, err)
	assert.Equal(t, "crypto-500-warmup", c.ID)
	assert.Equal(t, verify.Digest(warmupFlag), c.SecretHash)

	flagPath := filepath.Join(s.Dir(), "crypto-500-warmup", FlagFile)
	require.NoError(t, os.WriteFile(flagPath, []byte(verify.Digest("FLAG{rotated}")), 0o644))

	c, err = s.Secret(ctx, "crypto-500-warmup")
	require.NoError(t, err)
	assert.Equal(t, verify.Digest(warmupFlag), c.SecretHash)

	s.Invalidate("crypto-500-warmup")
	c, err = s.Secret(ctx, "crypto-500-warmup")
	require.NoError(t, err)
	assert.Equal(t, verify.Digest("FLAG{rotated}"), c.SecretHash)
}

func TestSecret_FailuresAreNotCached(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Secret(ctx, "web-100-noflag")
	assert.ErrorIs(t, err, ErrNotFound)

	flagPath := filepath.Join(s.Dir(), "web-100-noflag", FlagFile)
	require.NoError(t, os.WriteFile(flagPath, []byte(verify.Digest("FLAG{late}")), 0o644))

	c, err := s.Secret(ctx, "web-100-noflag")
	require.NoError(t, err)
	assert.Equal(t, verify.Digest("FLAG{late}"), c.SecretHash)
}

func TestSecret_Concurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := s.Secret(ctx, "crypto-500-warmup")
			if err == nil && c.SecretHash != verify.Digest(warmupFlag) {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestProvision(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.Provision("rev-250-keygen", "FLAG{keygen}")
	require.NoError(t, err)
	assert.Equal(t, "rev-250-keygen", p.Name)

	c, err := s.Secret(ctx, "rev-250-keygen")
	require.NoError(t, err)
	assert.True(t, verify.New(nil).Verify(c.SecretHash, "FLAG{keygen}"))

	// re-provisioning replaces the cached digest
	_, err = s.Provision("rev-250-keygen", "FLAG{keygen-v2}")
	require.NoError(t, err)
	c, err = s.Secret(ctx, "rev-250-keygen")
	require.NoError(t, err)
	assert.True(t, verify.New(nil).Verify(c.SecretHash, "FLAG{keygen-v2}"))

	_, err = s.Provision("../escape-1-x", "FLAG{x}")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}
