package deps

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"dagger.io/dagger"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// Installer materializes node_modules next to a document's manifest.
type Installer interface {
	Name() string
	Install(ctx context.Context, documentDir string) error
}

// NewInstaller selects an installer by name: none, npm or dagger.
func NewInstaller(kind, image string, logger *zap.Logger) (Installer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch kind {
	case "", "none":
		return NopInstaller{}, nil
	case "npm":
		return &NPMInstaller{Binary: "npm", logger: logger}, nil
	case "dagger":
		return &DaggerInstaller{Image: image, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown installer %q", kind)
	}
}

// NopInstaller leaves dependencies to whatever is already on disk.
type NopInstaller struct{}

func (NopInstaller) Name() string                            { return "none" }
func (NopInstaller) Install(context.Context, string) error { return nil }

// NPMInstaller runs npm on the host.
type NPMInstaller struct {
	Binary string
	logger *zap.Logger
}

func (n *NPMInstaller) Name() string { return "npm" }

// Install runs npm install in documentDir.
func (n *NPMInstaller) Install(ctx context.Context, documentDir string) error {
	cmd := exec.CommandContext(ctx, n.Binary, "install", "--no-audit", "--no-fund", "--omit=dev")
	cmd.Dir = documentDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("npm install failed: %w: %s", err, tail(string(out), 2048))
	}
	n.logger.Debug("npm install finished", zap.String("dir", documentDir))
	return nil
}

// DaggerInstaller runs npm inside a node container and exports node_modules
// back into the workspace, so the host needs no toolchain.
type DaggerInstaller struct {
	Image  string
	logger *zap.Logger
}

func (d *DaggerInstaller) Name() string { return "dagger" }

// Install mounts documentDir into the image and copies node_modules out.
func (d *DaggerInstaller) Install(ctx context.Context, documentDir string) error {
	client, err := dagger.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to dagger: %w", err)
	}
	defer client.Close()

	src := client.Host().Directory(documentDir, dagger.HostDirectoryOpts{
		Include: []string{workspace.ManifestFile},
	})

	modules := client.Container().
		From(d.Image).
		WithMountedDirectory("/workspace", src).
		WithWorkdir("/workspace").
		WithExec([]string{"npm", "install", "--no-audit", "--no-fund", "--omit=dev"}).
		Directory("/workspace/" + workspace.NodeModules)

	if _, err := modules.Export(ctx, filepath.Join(documentDir, workspace.NodeModules)); err != nil {
		return fmt.Errorf("failed to export node_modules: %w", err)
	}
	d.logger.Debug("container install finished", zap.String("dir", documentDir), zap.String("image", d.Image))
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
