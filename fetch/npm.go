/*
Copyright © 2026 Quasar Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package fetch

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"quasar.dev/core/internal/errs"
	"quasar.dev/core/specifier"
)

// npmFetcher downloads and unpacks npm tarballs into a per-package cache
// directory, grounded on workspace/remote.go's fetchFromNpm /
// extractFilesFromTarGz flow. Unlike the teacher it extracts the whole
// tarball rather than two named files, since any path within the package
// may be imported.
type npmFetcher struct {
	cacheDir string
	mu       sync.Mutex
}

func newNpmFetcher(cacheDir string) *npmFetcher {
	return &npmFetcher{cacheDir: filepath.Join(cacheDir, "npm")}
}

func (n *npmFetcher) fetch(text string) (Result, error) {
	name, version, subpath, err := specifier.ParseNpmSpecifier(text)
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}

	pkgDir, err := n.ensureUnpacked(name, version)
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}

	if subpath == "" {
		subpath = "index.js"
	}
	fullPath := filepath.Join(pkgDir, subpath)
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return Result{}, errs.Fetch(text, err)
	}

	return Result{
		Specifier: text,
		Source:    content,
		Headers:   map[string]string{},
		MediaType: mediaTypeFromExtension(fullPath, ""),
	}, nil
}

func (n *npmFetcher) ensureUnpacked(name, version string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	dir := filepath.Join(n.cacheDir, pkgCacheDirName(name, version))
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}

	tarballURL, resolvedVersion, err := resolveNpmTarball(name, version)
	if err != nil {
		return "", err
	}
	if resolvedVersion != "" {
		version = resolvedVersion
		dir = filepath.Join(n.cacheDir, pkgCacheDirName(name, version))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	resp, err := http.Get(tarballURL)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := extractTarGz(resp.Body, dir); err != nil {
		return "", err
	}
	return dir, nil
}

type npmRegistryMeta struct {
	DistTags map[string]string `json:"dist-tags"`
	Versions map[string]struct {
		Dist struct {
			Tarball string `json:"tarball"`
		} `json:"dist"`
	} `json:"versions"`
}

func resolveNpmTarball(name, version string) (tarballURL, resolvedVersion string, err error) {
	metaURL := fmt.Sprintf("https://registry.npmjs.org/%s", strings.ReplaceAll(name, "/", "%2F"))
	resp, err := http.Get(metaURL)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var meta npmRegistryMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", "", err
	}

	if version == "latest" || version == "" {
		version = meta.DistTags["latest"]
	}
	entry, ok := meta.Versions[version]
	if !ok {
		return "", "", fmt.Errorf("npm: %s has no published version %q", name, version)
	}
	return entry.Dist.Tarball, version, nil
}

// extractTarGz unpacks every regular file from an npm tarball, stripping
// the leading "package/" path component every npm tarball uses.
func extractTarGz(r io.Reader, dest string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer func() { _ = gzr.Close() }()

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, "package/")
		target := filepath.Join(dest, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("npm: tarball entry escapes destination: %s", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			_ = out.Close()
			return err
		}
		_ = out.Close()
	}
	return nil
}

func pkgCacheDirName(name, version string) string {
	return fmt.Sprintf("%s@%s", strings.ReplaceAll(name, "/", "+"), version)
}
