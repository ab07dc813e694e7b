// Package imagebuild turns a deployed code package into a runnable
// container image. Images are tagged by function name plus a code hash
// prefix, so a rebuild happens only when the code actually changed, and
// concurrent cold starts of one function share a single build.
package imagebuild

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/quasar/internal/codestore"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

const defaultBuildTimeout = 5 * time.Minute

// Config holds image builder configuration.
type Config struct {
	Binary       string        // docker binary (default "docker")
	StageDir     string        // root for build staging dirs (default os.TempDir())
	TagPrefix    string        // image tag prefix (default "quasar-fn")
	BuildTimeout time.Duration // per build timeout (default 5m)
}

func DefaultConfig() *Config {
	return &Config{
		Binary:       "docker",
		StageDir:     os.TempDir(),
		TagPrefix:    "quasar-fn",
		BuildTimeout: defaultBuildTimeout,
	}
}

// Builder builds and caches function images.
type Builder struct {
	config *Config
	store  codestore.Store
	group  singleflight.Group
}

func NewBuilder(cfg *Config, store codestore.Store) *Builder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.StageDir == "" {
		cfg.StageDir = os.TempDir()
	}
	if cfg.TagPrefix == "" {
		cfg.TagPrefix = "quasar-fn"
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	return &Builder{config: cfg, store: store}
}

// Tag returns the image reference for a function at its current code hash.
func (b *Builder) Tag(fn *domain.Function) string {
	hash := fn.CodeHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	if hash == "" {
		hash = "empty"
	}
	return fmt.Sprintf("%s-%s:%s", b.config.TagPrefix, strings.ToLower(fn.Name), hash)
}

// Ensure returns the image tag for the function, building the image if the
// engine does not already hold it. Concurrent callers for the same tag
// share one build.
func (b *Builder) Ensure(ctx context.Context, fn *domain.Function) (string, error) {
	tag := b.Tag(fn)
	_, err, _ := b.group.Do(tag, func() (interface{}, error) {
		if b.imageExists(ctx, tag) {
			metrics.RecordImageBuild(string(fn.Runtime), 0, true)
			return nil, nil
		}
		start := time.Now()
		if err := b.build(ctx, fn, tag); err != nil {
			return nil, err
		}
		metrics.RecordImageBuild(string(fn.Runtime), time.Since(start).Milliseconds(), false)
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

func (b *Builder) imageExists(ctx context.Context, tag string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, b.config.Binary, "image", "inspect", tag).Run() == nil
}

// build stages the package and bootstrap next to a rendered Dockerfile and
// runs one docker build.
func (b *Builder) build(ctx context.Context, fn *domain.Function, tag string) error {
	pkg, err := b.store.Get(ctx, fn.CodeHash)
	if err != nil {
		return fmt.Errorf("fetch code package %s: %w", fn.CodeHash, err)
	}

	stage, err := os.MkdirTemp(b.config.StageDir, "quasar-build-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stage)

	taskDir := filepath.Join(stage, "task")
	if err := unzipTo(taskDir, pkg); err != nil {
		return fmt.Errorf("unpack code package: %w", err)
	}
	if name, content := bootstrapFileFor(fn.Runtime); name != "" {
		if err := os.WriteFile(filepath.Join(stage, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("stage bootstrap: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(stage, "Dockerfile"), []byte(dockerfileFor(fn)), 0o644); err != nil {
		return fmt.Errorf("stage dockerfile: %w", err)
	}

	logging.Op().Info("building function image",
		"function", fn.Name, "runtime", string(fn.Runtime), "tag", tag)

	buildCtx, cancel := context.WithTimeout(ctx, b.config.BuildTimeout)
	defer cancel()
	cmd := exec.CommandContext(buildCtx, b.config.Binary, "build", "-t", tag, stage)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker build failed: %w: %s", err, tail(output, 2048))
	}
	return nil
}

// unzipTo extracts a zip archive under dir, refusing entries that escape
// it. File modes survive so provided-runtime bootstrap binaries stay
// executable.
func unzipTo(dir string, data []byte) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, f := range reader.File {
		target := filepath.Join(dir, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry escapes package root: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		mode := f.Mode().Perm()
		if mode == 0 {
			mode = 0o644
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			src.Close()
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			dst.Close()
			return err
		}
		src.Close()
		if err := dst.Close(); err != nil {
			return err
		}
	}
	return nil
}

func tail(output []byte, n int) string {
	s := strings.TrimSpace(string(output))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
