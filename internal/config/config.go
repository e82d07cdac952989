package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/openmined/syftbackup/internal/utils"
)

var (
	home, _             = os.UserHomeDir()
	DefaultConfigPath   = filepath.Join(home, ".syftbackup", "config")
	DefaultStateDir     = filepath.Join(home, ".syftbackup")
	DefaultMountRoot    = "/mnt/syftbackup"
	DefaultSSHPort      = 22
	DefaultKnownHosts   = filepath.Join(home, ".ssh", "known_hosts")
	DefaultJobs         = runtime.NumCPU()
	DefaultIgnoreFile   = ".syftbackupignore"
	defaultSSHKeyFiles  = []string{"id_ed25519", "id_ecdsa", "id_rsa"}
	defaultSSHKeyFolder = filepath.Join(home, ".ssh")
)

var (
	ErrInvalidSource      = errors.New("invalid source")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrInvalidSize        = errors.New("invalid size")
	ErrInvalidOption      = errors.New("invalid option")
)

// Config holds the raw, unvalidated settings gathered from flags, environment and config file.
type Config struct {
	Path                string
	Source              string
	Dest                string
	Excludes            []string
	Includes            []string
	SneakernetDevice    string
	SneakernetThreshold string
	SneakernetMountRoot string
	StateDir            string
	SSHPort             int
	SSHKeyFile          string
	KnownHostsFile      string
	S3Endpoint          string
	S3Region            string
	Jobs                int
	DryRun              bool
	Verbose             bool
}

// Options is the validated configuration of one run. It is built once by Config.Validate
// and passed by value; nothing mutates it afterwards.
type Options struct {
	Source   string
	Dest     Destination
	Excludes []string
	Includes []string

	SneakernetDevice    string
	SneakernetThreshold int64
	SneakernetMountRoot string

	StateDir       string
	SSHPort        int
	SSHKeyFiles    []string
	KnownHostsFile string
	S3Endpoint     string
	S3Region       string

	Jobs    int
	DryRun  bool
	Verbose bool
}

// Validate checks the raw settings and produces the immutable Options for the run.
func (c *Config) Validate() (Options, error) {
	var opts Options

	if c.Source == "" {
		return opts, fmt.Errorf("%w: source is required", ErrInvalidSource)
	}
	source, err := utils.ResolvePath(c.Source)
	if err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if !utils.DirExists(source) {
		return opts, fmt.Errorf("%w: %s is not a directory", ErrInvalidSource, source)
	}
	// the walk does not follow a symlinked root, so scan the directory it points to
	if source, err = filepath.EvalSymlinks(source); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	opts.Source = source

	dest, err := ParseDestination(c.Dest, "")
	if err != nil {
		return opts, err
	}
	if dest.Kind == DestLocal && (dest.Path == source || strings.HasPrefix(dest.Path, source+string(filepath.Separator))) {
		return opts, fmt.Errorf("%w: %s is inside the source tree", ErrInvalidDestination, dest.Path)
	}
	opts.Dest = dest

	opts.Excludes = cleanRules(c.Excludes)
	opts.Includes = cleanRules(c.Includes)

	opts.SneakernetDevice = strings.TrimSpace(c.SneakernetDevice)
	if opts.SneakernetThreshold, err = ParseSize(c.SneakernetThreshold); err != nil {
		return opts, fmt.Errorf("sneakernet threshold: %w", err)
	}
	opts.SneakernetMountRoot = c.SneakernetMountRoot
	if opts.SneakernetMountRoot == "" {
		opts.SneakernetMountRoot = DefaultMountRoot
	}
	if opts.SneakernetMountRoot, err = utils.ResolvePath(opts.SneakernetMountRoot); err != nil {
		return opts, fmt.Errorf("%w: sneakernet mount root: %v", ErrInvalidOption, err)
	}

	stateDir := c.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	if opts.StateDir, err = utils.ResolvePath(stateDir); err != nil {
		return opts, fmt.Errorf("%w: state dir: %v", ErrInvalidOption, err)
	}

	opts.SSHPort = c.SSHPort
	if opts.SSHPort == 0 {
		opts.SSHPort = DefaultSSHPort
	}
	if opts.SSHPort < 0 || opts.SSHPort > 65535 {
		return opts, fmt.Errorf("%w: ssh port %d", ErrInvalidOption, c.SSHPort)
	}

	if c.SSHKeyFile != "" {
		keyFile, err := utils.ResolvePath(c.SSHKeyFile)
		if err != nil {
			return opts, fmt.Errorf("%w: ssh key: %v", ErrInvalidOption, err)
		}
		if !utils.FileExists(keyFile) {
			return opts, fmt.Errorf("%w: ssh key %s does not exist", ErrInvalidOption, keyFile)
		}
		opts.SSHKeyFiles = []string{keyFile}
	} else {
		for _, name := range defaultSSHKeyFiles {
			if keyFile := filepath.Join(defaultSSHKeyFolder, name); utils.FileExists(keyFile) {
				opts.SSHKeyFiles = append(opts.SSHKeyFiles, keyFile)
			}
		}
	}

	opts.KnownHostsFile = c.KnownHostsFile
	if opts.KnownHostsFile == "" {
		opts.KnownHostsFile = DefaultKnownHosts
	}
	opts.S3Endpoint = c.S3Endpoint
	opts.S3Region = c.S3Region

	opts.Jobs = c.Jobs
	if opts.Jobs <= 0 {
		opts.Jobs = DefaultJobs
	}
	opts.DryRun = c.DryRun
	opts.Verbose = c.Verbose

	return opts, nil
}

// SneakernetEnabled reports whether a size threshold is configured at all
func (o Options) SneakernetEnabled() bool {
	return o.SneakernetThreshold > 0
}

func cleanRules(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return slices.Clip(out)
}
