// Package packaging implements supervisor.Installer by pulling a
// tool-server package as an OCI artifact, unpacking it to a digest-keyed
// cache directory, and resolving its launchable executable. Grounded on
// internal/image/pull.go (reference resolution, multi-platform manifest
// handling) and internal/image/cache.go (digest-keyed on-disk cache,
// ref→digest index), repurposed from "pull a VM rootfs" to "install a
// tool-server bundle." Unpacking uses klauspost/compress's gzip reader
// instead of the teacher's shelled-out tar, since a package bundle here is
// untrusted and archive/tar already gives us safe, allocation-bounded
// extraction without invoking an external binary.
package packaging

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/gzip"

	"github.com/viable-systems/vsm-mcp/internal/pkgstore"
	"github.com/viable-systems/vsm-mcp/internal/supervisor"
)

// Installer pulls and unpacks OCI-packaged tool-servers, implementing
// supervisor.Installer.
type Installer struct {
	cacheDir         string
	registryEndpoint string
	store            *pkgstore.DB
	secrets          *pkgstore.SecretStore
	authSecretPath   string
}

// New constructs an Installer. store and secrets may be nil; with a nil
// store every Install call re-resolves the reference (no persisted cache
// hit), and with nil secrets registry requests carry no credentials.
func New(cacheDir, registryEndpoint string, store *pkgstore.DB, secrets *pkgstore.SecretStore, authSecretPath string) *Installer {
	os.MkdirAll(cacheDir, 0700)
	return &Installer{
		cacheDir:         cacheDir,
		registryEndpoint: registryEndpoint,
		store:            store,
		secrets:          secrets,
		authSecretPath:   authSecretPath,
	}
}

// Install satisfies supervisor.Installer.
func (in *Installer) Install(ctx context.Context, pkg supervisor.PackageSpec) (string, error) {
	if in.store != nil {
		if rec, ok, err := in.store.Lookup(pkg.Name, pkg.Version); err == nil && ok {
			if _, statErr := os.Stat(rec.Path); statErr == nil {
				return rec.Path, nil
			}
		}
	}

	ref, err := in.parseRef(pkg)
	if err != nil {
		return "", err
	}

	opts := []remote.Option{remote.WithContext(ctx)}
	if in.secrets != nil {
		if cred, err := in.secrets.LoadRegistryAuth(in.authSecretPath); err == nil && cred != "" {
			opts = append(opts, remote.WithAuth(&authn.Bearer{Token: cred}))
		}
	}

	img, err := resolveImage(ref, opts)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", pkg, err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", pkg, err)
	}

	dir := filepath.Join(in.cacheDir, digestToDirName(digest.String()))
	if _, err := os.Stat(dir); err != nil {
		if err := unpack(img, dir); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("unpack %s: %w", pkg, err)
		}
	}

	execPath, err := resolveExecutable(dir, pkg.Name)
	if err != nil {
		return "", fmt.Errorf("locate executable for %s: %w", pkg, err)
	}

	if in.store != nil {
		in.store.Put(pkgstore.Record{Name: pkg.Name, Version: pkg.Version, Digest: digest.String(), Path: execPath})
	}
	return execPath, nil
}

func (in *Installer) parseRef(pkg supervisor.PackageSpec) (name.Reference, error) {
	refStr := pkg.Name
	if pkg.Version != "" {
		refStr = pkg.Name + ":" + pkg.Version
	}
	if in.registryEndpoint != "" && !strings.Contains(refStr, "/") {
		refStr = in.registryEndpoint + "/" + refStr
	}
	return name.ParseReference(refStr)
}

func resolveImage(ref name.Reference, opts []remote.Option) (v1.Image, error) {
	desc, err := remote.Get(ref, opts...)
	if err != nil {
		return nil, err
	}

	arch := runtime.GOARCH
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("get image index: %w", err)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("get index manifest: %w", err)
		}
		for _, m := range manifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == arch {
				return idx.Image(m.Digest)
			}
		}
		return nil, fmt.Errorf("no linux/%s variant in index", arch)
	default:
		return desc.Image()
	}
}

// unpack writes every layer's file tree into dir, later layers
// overwriting earlier ones (standard OCI layer-overlay semantics).
func unpack(img v1.Image, dir string) error {
	staging := dir + ".tmp"
	os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return err
	}

	layers, err := img.Layers()
	if err != nil {
		os.RemoveAll(staging)
		return err
	}

	for _, layer := range layers {
		if err := unpackLayer(layer, staging); err != nil {
			os.RemoveAll(staging)
			return err
		}
	}

	return os.Rename(staging, dir)
}

func unpackLayer(layer v1.Layer, dest string) error {
	compressed, err := layer.Compressed()
	if err != nil {
		return err
	}
	defer compressed.Close()

	gz, err := gzip.NewReader(compressed)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dest, filepath.Clean(string(filepath.Separator)+hdr.Name))
		if !strings.HasPrefix(target, dest) {
			continue // zip-slip guard: skip paths that escape dest
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			os.MkdirAll(target, 0755)
		case tar.TypeReg:
			os.MkdirAll(filepath.Dir(target), 0755)
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeSymlink:
			os.MkdirAll(filepath.Dir(target), 0755)
			os.Remove(target)
			os.Symlink(hdr.Linkname, target)
		}
	}
}

// resolveExecutable prefers bin/<name>, then <name> at the top of the
// unpacked tree, falling back to the first executable regular file found
// in the unpacked tree — the "installed
// binary shim, or the package manager's runner" spec.md §4.C step 2 names.
func resolveExecutable(dir, pkgName string) (string, error) {
	base := filepath.Base(pkgName)
	candidates := []string{
		filepath.Join(dir, "bin", base),
		filepath.Join(dir, base),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			os.Chmod(c, info.Mode()|0111)
			return c, nil
		}
	}

	var found string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" || info.IsDir() {
			return nil
		}
		if info.Mode()&0111 != 0 {
			found = path
		}
		return nil
	})
	if found == "" {
		return "", fmt.Errorf("no executable found under %s", dir)
	}
	return found, nil
}

func digestToDirName(digest string) string {
	return strings.ReplaceAll(digest, ":", "_")
}
