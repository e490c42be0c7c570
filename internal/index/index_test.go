package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/repodb"
	"github.com/ralt/syzygia/internal/signer"
	"github.com/ralt/syzygia/internal/test"
)

// fakeFetcher serves files keyed by "<repo>/<path>"
type fakeFetcher struct {
	files map[string][]byte

	mu sync.Mutex
	// optional lists the paths asked for through FetchOptional
	optional []string
}

func (f *fakeFetcher) FetchOptional(ctx context.Context, repo models.Repository, relativePath string) ([]byte, error) {
	f.mu.Lock()
	f.optional = append(f.optional, relativePath)
	f.mu.Unlock()
	return f.Fetch(ctx, repo, relativePath, models.Digest{})
}

func (f *fakeFetcher) Fetch(ctx context.Context, repo models.Repository, relativePath string, expected models.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := f.files[repo.Name+"/"+relativePath]
	if !ok {
		return nil, &models.DownloadError{Repo: repo.Name, Path: relativePath, Err: fmt.Errorf("not found")}
	}
	return data, nil
}

func encode(t *testing.T, pkgs ...*models.Package) []byte {
	t.Helper()
	data, err := repodb.Encode(pkgs)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func withArch(pkg *models.Package, arch models.Architecture) *models.Package {
	pkg.Architecture = arch
	return pkg
}

func TestBuildFiltersArchitecture(t *testing.T) {
	repo := models.Repository{Name: "core", Priority: 1}
	idx := Build(repo, []*models.Package{
		withArch(test.Pkg("glibc", "2.38-1"), "x86_64"),
		withArch(test.Pkg("glibc-arm", "2.38-1"), "aarch64"),
		test.Pkg("tzdata", "2024a-1"),
	}, "x86_64")

	if idx.Len() != 2 {
		t.Errorf("Len() = %d, want 2", idx.Len())
	}
	if _, ok := idx.Get("glibc-arm"); ok {
		t.Error("aarch64 package should be filtered out on x86_64")
	}
}

func TestBuildKeepsNewestDuplicate(t *testing.T) {
	idx := Build(models.Repository{Name: "core"}, []*models.Package{
		test.Pkg("foo", "1.2-1"),
		test.Pkg("foo", "1.10-1"),
		test.Pkg("foo", "1.3-1"),
	}, "x86_64")

	pkg, _ := idx.Get("foo")
	if pkg.Version != "1.10-1" {
		t.Errorf("foo version = %s, want 1.10-1", pkg.Version)
	}
}

func TestMergeCrossRepoPriority(t *testing.T) {
	core := Build(models.Repository{Name: "core", Priority: 1}, []*models.Package{test.Pkg("vim", "9.0-1")}, "x86_64")
	extra := Build(models.Repository{Name: "extra", Priority: 2}, []*models.Package{test.Pkg("vim", "9.1-1")}, "x86_64")
	core.packages["vim"].OriginRepo = "core"
	extra.packages["vim"].OriginRepo = "extra"

	// input order does not matter, priority does
	merged := Merge([]*RepositoryIndex{extra, core})

	vim, ok := merged.Find("vim")
	if !ok {
		t.Fatal("vim not found")
	}
	if vim.OriginRepo != "core" || vim.Version != "9.0-1" {
		t.Errorf("vim resolved to %s from %s, want core's 9.0-1", vim.Version, vim.OriginRepo)
	}
	if repos := merged.Repositories(); repos[0].Name != "core" || repos[1].Name != "extra" {
		t.Errorf("Repositories() = %v", repos)
	}
	if got := merged.Search("VIM"); len(got) != 2 || got[0].OriginRepo != "core" {
		t.Errorf("Search() = %v", got)
	}
}

func TestMergeKeepsAllProviders(t *testing.T) {
	mk := func(name string, provides ...string) *models.Package {
		p := test.Pkg(name, "1.0-1")
		p.Provides = models.MustParseDependencies(provides...)
		return p
	}
	core := Build(models.Repository{Name: "core", Priority: 1}, []*models.Package{mk("nvi", "vi"), mk("busybox", "vi", "sh")}, "x86_64")
	extra := Build(models.Repository{Name: "extra", Priority: 2}, []*models.Package{mk("neovim", "vi"), mk("aaa-vi", "vi")}, "x86_64")

	providers := Merge([]*RepositoryIndex{core, extra}).Providers("vi")
	want := []string{"busybox", "nvi", "aaa-vi", "neovim"}
	if len(providers) != len(want) {
		t.Fatalf("got %d providers, want %d", len(providers), len(want))
	}
	for i, name := range want {
		if providers[i].Package.Name != name {
			t.Errorf("providers[%d] = %s, want %s", i, providers[i].Package.Name, name)
		}
	}
	if providers[0].Priority != 1 || providers[3].Priority != 2 {
		t.Errorf("providers not tagged with repository priority: %+v", providers)
	}
}

type keys struct {
	signer   *signer.GPGSigner
	verifier *signer.Keyring
}

func newKeys(t *testing.T) keys {
	t.Helper()
	entity, err := openpgp.NewEntity("repo", "", "repo@example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	s := signer.NewGPGSignerFromEntity(entity)
	pub, _ := s.GetPublicKey()
	kr, err := signer.ParseKeyring(pub)
	if err != nil {
		t.Fatal(err)
	}
	return keys{signer: s, verifier: kr}
}

func TestRefreshSignatureLevels(t *testing.T) {
	k := newKeys(t)
	db := encode(t, test.Pkg("foo", "1.0-1"))
	goodSig, _ := k.signer.SignDetached(db)
	badSig, _ := k.signer.SignDetached([]byte("something else"))

	tests := []struct {
		name    string
		level   models.SignatureLevel
		sig     []byte
		wantErr bool
	}{
		{"required signed", models.SigRequired, goodSig, false},
		{"required unsigned", models.SigRequired, nil, true},
		{"required bad signature", models.SigRequired, badSig, true},
		{"optional unsigned", models.SigOptional, nil, false},
		{"none bad signature", models.SigNone, badSig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string][]byte{"core/core.db": db}
			if tt.sig != nil {
				files["core/core.db.sig"] = tt.sig
			}
			r := NewRefresher(&fakeFetcher{files: files}, k.verifier, "x86_64", "", 1)

			idx, err := r.Refresh(context.Background(), models.Repository{Name: "core", SigLevel: tt.level})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Refresh() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ie *models.IntegrityError
				if !errors.As(err, &ie) {
					t.Errorf("expected IntegrityError, got %T", err)
				}
				return
			}
			if _, ok := idx.Get("foo"); !ok {
				t.Error("foo missing from index")
			}
		})
	}
}

func TestRefreshFetchesSignatureAsOptional(t *testing.T) {
	f := &fakeFetcher{files: map[string][]byte{"core/core.db": encode(t, test.Pkg("foo", "1.0-1"))}}
	r := NewRefresher(f, nil, "x86_64", "", 1)

	if _, err := r.Refresh(context.Background(), models.Repository{Name: "core", SigLevel: models.SigOptional}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(f.optional) != 1 || f.optional[0] != "core.db.sig" {
		t.Errorf("optional fetches = %v, want [core.db.sig]", f.optional)
	}
}

func TestRefreshAllExcludesFailures(t *testing.T) {
	files := map[string][]byte{
		"core/core.db":   encode(t, test.Pkg("glibc", "2.38-1")),
		"extra/extra.db": encode(t, test.Pkg("vim", "9.0-1")),
	}
	r := NewRefresher(&fakeFetcher{files: files}, nil, "x86_64", "", 4)

	repos := []models.Repository{
		{Name: "core", Priority: 1, SigLevel: models.SigNone},
		{Name: "broken", Priority: 2, SigLevel: models.SigNone},
		{Name: "extra", Priority: 3, SigLevel: models.SigNone},
	}
	indices, failures := r.RefreshAll(context.Background(), repos)

	if len(indices) != 2 || indices[0].Repository().Name != "core" || indices[1].Repository().Name != "extra" {
		t.Errorf("unexpected indices %v", indices)
	}
	if len(failures) != 1 || failures[0].Repo != "broken" {
		t.Errorf("failures = %v, want broken", failures)
	}
	var de *models.DownloadError
	if !errors.As(failures[0].Err, &de) {
		t.Errorf("failure should be a DownloadError, got %v", failures[0].Err)
	}
}

func TestSyncCache(t *testing.T) {
	k := newKeys(t)
	syncDir := filepath.Join(t.TempDir(), "sync")
	db := encode(t, test.Pkg("foo", "1.0-1"))
	sig, _ := k.signer.SignDetached(db)
	repo := models.Repository{Name: "core", SigLevel: models.SigRequired}

	r := NewRefresher(&fakeFetcher{files: map[string][]byte{"core/core.db": db, "core/core.db.sig": sig}}, k.verifier, "x86_64", syncDir, 1)

	if _, err := r.LoadCached(repo); err == nil {
		t.Error("LoadCached() should fail before the first refresh")
	}
	if _, err := r.Refresh(context.Background(), repo); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	idx, err := r.LoadCached(repo)
	if err != nil {
		t.Fatalf("LoadCached() error = %v", err)
	}
	if _, ok := idx.Get("foo"); !ok {
		t.Error("cached index is missing foo")
	}

	// tampering with the cache is caught by the signature check
	if err := os.WriteFile(filepath.Join(syncDir, "core.db"), encode(t, test.Pkg("evil", "1.0-1")), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LoadCached(repo); err == nil {
		t.Error("LoadCached() accepted a tampered database")
	}
}

func TestRefreshCancelled(t *testing.T) {
	r := NewRefresher(&fakeFetcher{files: map[string][]byte{}}, nil, "x86_64", "", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Refresh(ctx, models.Repository{Name: "core"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Refresh() error = %v, want context.Canceled", err)
	}
}
