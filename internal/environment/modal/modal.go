package modal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/modal-labs/libmodal/modal-go"
	"github.com/spachava753/gcmrun/internal/environment"
)

// ProviderConfig holds Modal-specific configuration.
type ProviderConfig struct {
	// AppName is the name of the Modal app to use. If empty, a unique name is generated.
	AppName string
	// Regions specifies the Modal regions (e.g., "us-east", "us-west").
	Regions []string
	// Verbose enables detailed sandbox logging.
	Verbose bool
	// Setup holds Dockerfile instructions layered on top of the registry
	// image, typically the Isca build prerequisites.
	Setup []string
	// SandboxTimeout bounds the sandbox lifetime. Defaults to 24h.
	SandboxTimeout time.Duration
}

// ParseProviderConfig extracts Modal-specific config from the generic config map.
func ParseProviderConfig(config map[string]any) ProviderConfig {
	pc := ProviderConfig{}
	if config == nil {
		return pc
	}
	if v, ok := config["app_name"].(string); ok {
		pc.AppName = v
	}
	if v, ok := config["region"].(string); ok {
		pc.Regions = []string{v}
	}
	if v, ok := config["regions"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				pc.Regions = append(pc.Regions, s)
			}
		}
	}
	if v, ok := config["verbose"].(bool); ok {
		pc.Verbose = v
	}
	if v, ok := config["setup"].([]any); ok {
		for _, c := range v {
			if s, ok := c.(string); ok {
				pc.Setup = append(pc.Setup, s)
			}
		}
	}
	if v, ok := config["sandbox_timeout"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			pc.SandboxTimeout = d
		}
	}
	return pc
}

// Provider runs model segments inside Modal Sandboxes.
type Provider struct {
	client *modal.Client
	config ProviderConfig
}

// MinImageBuilderVersion is the minimum required Modal image builder version.
// WORKDIR and other Dockerfile instructions require version 2025.06 or later.
const MinImageBuilderVersion = "2025.06"

// NewProvider creates a new Modal provider.
func NewProvider(config ProviderConfig) (*Provider, error) {
	if len(config.Setup) > 0 {
		if err := checkImageBuilderVersion(); err != nil {
			return nil, err
		}
	}

	slog.Debug("initializing modal client")
	client, err := modal.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Provider{
		client: client,
		config: config,
	}, nil
}

// ConfigReader reads Modal configuration.
type ConfigReader interface {
	ReadConfig() ([]byte, error)
}

// cliConfigReader reads config by executing the modal CLI.
type cliConfigReader struct{}

func (c *cliConfigReader) ReadConfig() ([]byte, error) {
	modalPath, err := exec.LookPath("modal")
	if err != nil {
		return nil, fmt.Errorf("modal CLI not found: %w", err)
	}
	return exec.Command(modalPath, "config", "show").Output()
}

var defaultConfigReader ConfigReader = &cliConfigReader{}

func checkImageBuilderVersion() error {
	return checkImageBuilderVersionWith(defaultConfigReader)
}

// checkImageBuilderVersionWith verifies the version using the provided ConfigReader.
func checkImageBuilderVersionWith(reader ConfigReader) error {
	output, err := reader.ReadConfig()
	if err != nil {
		return fmt.Errorf("failed to get modal config: %w", err)
	}

	var config struct {
		ImageBuilderVersion *string `json:"image_builder_version"`
	}
	if err := json.Unmarshal(output, &config); err != nil {
		return fmt.Errorf("failed to parse modal config: %w", err)
	}

	if config.ImageBuilderVersion == nil || *config.ImageBuilderVersion == "" {
		return fmt.Errorf("modal image_builder_version is not set; "+
			"setup commands require version %s or later. "+
			"Run: modal config set image_builder_version %s",
			MinImageBuilderVersion, MinImageBuilderVersion)
	}

	if *config.ImageBuilderVersion < MinImageBuilderVersion {
		return fmt.Errorf("modal image_builder_version %q is too old; "+
			"setup commands require version %s or later. "+
			"Run: modal config set image_builder_version %s",
			*config.ImageBuilderVersion, MinImageBuilderVersion, MinImageBuilderVersion)
	}

	slog.Debug("modal image builder version check passed", "version", *config.ImageBuilderVersion)
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "modal"
}

// PullImage is a no-op; Modal pulls registry images when the sandbox starts.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	slog.Debug("modal pull is no-op - handled internally", "image", imageRef)
	return nil
}

// CreateEnvironment creates and starts a Modal sandbox.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	if opts.ImageRef == "" {
		return nil, fmt.Errorf("modal environment requires an image")
	}

	appName := p.config.AppName
	if appName == "" {
		appName = opts.Name
	}
	if appName == "" {
		appName = fmt.Sprintf("gcmrun-%d", time.Now().UnixNano())
	}

	slog.Debug("creating modal app", "name", appName)
	app, err := p.client.Apps.FromName(ctx, appName, &modal.AppFromNameParams{
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal app: %w", err)
	}

	image, err := p.image(ctx, app, opts.ImageRef)
	if err != nil {
		return nil, err
	}

	cpuCount := opts.CPUs
	if cpuCount <= 0 {
		cpuCount = 1
	}
	memoryMiB := opts.MemoryMB
	if memoryMiB <= 0 {
		memoryMiB = 2048
	}
	timeout := p.config.SandboxTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	if len(opts.Mounts) > 0 {
		slog.Warn("modal sandboxes cannot bind host directories; mounts ignored", "mounts", len(opts.Mounts))
	}

	envVars := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		envVars[k] = v
	}

	slog.Debug("creating modal sandbox",
		"app", appName,
		"cpus", cpuCount,
		"memory_mib", memoryMiB,
		"regions", p.config.Regions)

	sandbox, err := p.client.Sandboxes.Create(ctx, app, image, &modal.SandboxCreateParams{
		CPU:       float64(cpuCount),
		MemoryMiB: memoryMiB,
		Env:       envVars,
		Timeout:   timeout,
		Verbose:   p.config.Verbose,
		Regions:   p.config.Regions,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal sandbox: %w", err)
	}

	slog.Debug("modal sandbox created", "sandbox_id", sandbox.SandboxID)

	return &ModalEnvironment{
		sandbox:   sandbox,
		appName:   appName,
		ownsApp:   p.config.AppName == "",
		startTime: time.Now(),
		cpuCount:  cpuCount,
		memoryMiB: memoryMiB,
	}, nil
}

// image resolves the sandbox image: a registry reference, optionally
// extended with the configured setup instructions, or a local directory
// holding a Dockerfile.
func (p *Provider) image(ctx context.Context, app *modal.App, ref string) (*modal.Image, error) {
	base := ref
	commands := p.config.Setup

	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		content, err := os.ReadFile(filepath.Join(ref, "Dockerfile"))
		if err != nil {
			return nil, fmt.Errorf("reading Dockerfile: %w", err)
		}
		base, commands, err = parseDockerfile(string(content))
		if err != nil {
			return nil, fmt.Errorf("parsing Dockerfile: %w", err)
		}
		commands = append(commands, p.config.Setup...)
	}

	image := p.client.Images.FromRegistry(base, nil)
	if len(commands) == 0 {
		slog.Debug("using registry image for modal", "image", base)
		return image, nil
	}

	slog.Debug("building modal image", "base_image", base, "commands", len(commands))
	built, err := image.DockerfileCommands(commands, nil).Build(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("building image: %w", err)
	}
	return built, nil
}

// parseDockerfile extracts the base image and the instructions Modal can
// replay without a build context.
func parseDockerfile(content string) (baseImage string, commands []string, err error) {
	var current strings.Builder
	continuing := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if continuing {
			current.WriteString(" ")
			if strings.HasSuffix(trimmed, "\\") {
				current.WriteString(strings.TrimSuffix(trimmed, "\\"))
				continue
			}
			current.WriteString(trimmed)
			commands = append(commands, current.String())
			current.Reset()
			continuing = false
			continue
		}

		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "FROM "):
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				baseImage = parts[1]
			}
		case strings.HasPrefix(upper, "COPY "), strings.HasPrefix(upper, "ADD "):
			return "", nil, fmt.Errorf("COPY and ADD instructions are not supported: %s", trimmed)
		case strings.HasPrefix(upper, "RUN "),
			strings.HasPrefix(upper, "ENV "),
			strings.HasPrefix(upper, "USER "):
			if strings.HasSuffix(trimmed, "\\") {
				current.WriteString(strings.TrimSuffix(trimmed, "\\"))
				continuing = true
			} else {
				commands = append(commands, trimmed)
			}
		}
	}

	if baseImage == "" {
		return "", nil, fmt.Errorf("no FROM instruction found in Dockerfile")
	}
	return baseImage, commands, nil
}

// ModalEnvironment represents a running Modal sandbox.
type ModalEnvironment struct {
	sandbox   *modal.Sandbox
	appName   string
	ownsApp   bool
	startTime time.Time
	cpuCount  int
	memoryMiB int
}

// ID returns the sandbox ID.
func (e *ModalEnvironment) ID() string {
	return e.sandbox.SandboxID
}

// CopyTo copies a local file or directory into the sandbox.
func (e *ModalEnvironment) CopyTo(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	slog.Debug("copying to modal sandbox",
		"sandbox_id", e.sandbox.SandboxID,
		"src", src,
		"dst", dst,
		"is_dir", info.IsDir())

	if !info.IsDir() {
		if err := e.mkdir(ctx, filepath.Dir(dst)); err != nil {
			return err
		}
		return e.writeFile(ctx, src, dst)
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return e.mkdir(ctx, target)
		}
		return e.writeFile(ctx, path, target)
	})
}

func (e *ModalEnvironment) writeFile(ctx context.Context, src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}

	f, err := e.sandbox.Open(ctx, dst, "w")
	if err != nil {
		return fmt.Errorf("opening destination file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing to destination: %w", err)
	}
	if err := f.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing file: %w", err)
	}
	return f.Close()
}

func (e *ModalEnvironment) mkdir(ctx context.Context, dir string) error {
	if dir == "/" || dir == "." {
		return nil
	}
	code, err := e.run(ctx, fmt.Sprintf("mkdir -p %q", dir), nil)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if code != 0 {
		return fmt.Errorf("creating directory %s: exit code %d", dir, code)
	}
	return nil
}

// CopyFrom copies a file or directory from the sandbox to a local path.
// Directories are listed once and copied file by file.
func (e *ModalEnvironment) CopyFrom(ctx context.Context, src, dst string) error {
	slog.Debug("copying from modal sandbox",
		"sandbox_id", e.sandbox.SandboxID,
		"src", src,
		"dst", dst)

	if code, _ := e.run(ctx, fmt.Sprintf("test -d %q", src), nil); code != 0 {
		return e.readFile(ctx, src, dst)
	}

	var listing strings.Builder
	code, err := e.run(ctx, fmt.Sprintf("cd %q && find . -type f", src), &listing)
	if err != nil {
		return fmt.Errorf("listing sandbox directory: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("listing sandbox directory %s: exit code %d", src, code)
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}
	for _, rel := range strings.Split(strings.TrimSpace(listing.String()), "\n") {
		rel = strings.TrimPrefix(rel, "./")
		if rel == "" {
			continue
		}
		if err := e.readFile(ctx, filepath.Join(src, rel), filepath.Join(dst, rel)); err != nil {
			return err
		}
	}
	return nil
}

func (e *ModalEnvironment) readFile(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	f, err := e.sandbox.Open(ctx, src, "r")
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	content, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}

	if err := os.WriteFile(dst, content, 0644); err != nil {
		return fmt.Errorf("writing destination file: %w", err)
	}
	return nil
}

// run executes a short helper command, optionally capturing stdout.
func (e *ModalEnvironment) run(ctx context.Context, cmd string, stdout io.Writer) (int, error) {
	if stdout == nil {
		stdout = io.Discard
	}
	return e.Exec(ctx, cmd, stdout, io.Discard, environment.ExecOptions{})
}

// Exec executes a command in the sandbox.
func (e *ModalEnvironment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	params := &modal.SandboxExecParams{
		Env:     opts.Env,
		Workdir: opts.WorkDir,
	}
	if opts.Timeout > 0 {
		params.Timeout = opts.Timeout
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	preview := cmd
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	slog.Debug("executing command in modal sandbox",
		"sandbox_id", e.sandbox.SandboxID,
		"command", preview,
		"timeout", opts.Timeout)

	process, err := e.sandbox.Exec(ctx, []string{"bash", "-c", cmd}, params)
	if err != nil {
		return -1, fmt.Errorf("executing command: %w", err)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stdout, process.Stdout)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(stderr, process.Stderr)
		done <- struct{}{}
	}()
	<-done
	<-done

	exitCode, err := process.Wait(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1, environment.ErrTimeout
	}
	if err != nil {
		return -1, fmt.Errorf("waiting for process: %w", err)
	}

	if exitCode != 0 {
		slog.Debug("command exited with non-zero code",
			"sandbox_id", e.sandbox.SandboxID,
			"exit_code", exitCode)
	}
	return exitCode, nil
}

// Destroy terminates the sandbox and, for generated app names, stops the app.
func (e *ModalEnvironment) Destroy(ctx context.Context) error {
	slog.Debug("destroying modal sandbox", "sandbox_id", e.sandbox.SandboxID, "app", e.appName)

	if err := e.sandbox.Terminate(ctx); err != nil {
		if !strings.Contains(err.Error(), "already terminated") &&
			!strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("terminating sandbox: %w", err)
		}
	}

	if !e.ownsApp {
		return nil
	}
	if err := stopApp(ctx, e.appName); err != nil {
		return fmt.Errorf("stopping app: %w", err)
	}
	return nil
}

// stopApp stops the Modal app using the modal CLI; the SDK has no AppStop.
func stopApp(ctx context.Context, name string) error {
	modalPath, err := exec.LookPath("modal")
	if err != nil {
		slog.Warn("modal CLI not found, leaving app running", "app", name)
		return nil
	}

	output, err := exec.CommandContext(ctx, modalPath, "app", "stop", name).CombinedOutput()
	if err != nil {
		out := string(output)
		if strings.Contains(out, "already stopped") ||
			strings.Contains(out, "not found") ||
			strings.Contains(out, "Could not find") {
			return nil
		}
		return fmt.Errorf("modal app stop failed: %s", out)
	}
	return nil
}

// Approximate Modal list prices.
const (
	cpuSecondUSD    = 0.000463
	gibSecondUSD    = 0.000058
	mebibytesPerGiB = 1024.0
)

// Cost returns the cost incurred by this environment so far.
func (e *ModalEnvironment) Cost() float64 {
	return costFor(time.Since(e.startTime), e.cpuCount, e.memoryMiB)
}

func costFor(d time.Duration, cpus, memoryMiB int) float64 {
	secs := d.Seconds()
	return secs*float64(cpus)*cpuSecondUSD + secs*(float64(memoryMiB)/mebibytesPerGiB)*gibSecondUSD
}
