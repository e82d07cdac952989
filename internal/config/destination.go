package config

import (
	"fmt"
	"net/url"
	"os/user"
	"strings"

	"github.com/openmined/syftbackup/internal/utils"
)

type DestinationKind int

const (
	// DestSFTP is a `user@host:path` destination reached over SSH/SFTP
	DestSFTP DestinationKind = iota
	// DestS3 is an `s3://bucket/prefix` destination
	DestS3
	// DestLocal is an absolute path on a locally mounted filesystem
	DestLocal
)

func (k DestinationKind) String() string {
	switch k {
	case DestSFTP:
		return "sftp"
	case DestS3:
		return "s3"
	case DestLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Destination identifies the archive root.
// For DestS3, Host holds the bucket and Path the key prefix.
type Destination struct {
	Kind DestinationKind
	User string
	Host string
	Path string
}

// ParseDestination parses `[user@]host:path`, `s3://bucket/prefix` or a local path.
// When the user part of an SFTP destination is missing, defaultUser is used,
// falling back to the identity of the current process.
func ParseDestination(raw string, defaultUser string) (Destination, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Destination{}, fmt.Errorf("%w: destination is empty", ErrInvalidDestination)
	}

	if strings.HasPrefix(raw, "s3://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Destination{}, fmt.Errorf("%w: %s: %v", ErrInvalidDestination, raw, err)
		}
		if u.Host == "" {
			return Destination{}, fmt.Errorf("%w: %s: missing bucket", ErrInvalidDestination, raw)
		}
		return Destination{
			Kind: DestS3,
			Host: u.Host,
			Path: strings.Trim(u.Path, "/"),
		}, nil
	}

	colon := strings.Index(raw, ":")
	slash := strings.Index(raw, "/")
	if colon > 0 && (slash < 0 || colon < slash) {
		userHost, path := raw[:colon], raw[colon+1:]

		dest := Destination{Kind: DestSFTP, Host: userHost, Path: path}
		if at := strings.LastIndex(userHost, "@"); at >= 0 {
			dest.User, dest.Host = userHost[:at], userHost[at+1:]
		}
		if dest.Host == "" {
			return Destination{}, fmt.Errorf("%w: %s: missing host", ErrInvalidDestination, raw)
		}
		if dest.Path == "" {
			dest.Path = "."
		}
		if dest.User == "" {
			dest.User = defaultUser
		}
		if dest.User == "" {
			u, err := user.Current()
			if err != nil {
				return Destination{}, fmt.Errorf("%w: %s: no user given and current user unknown: %v", ErrInvalidDestination, raw, err)
			}
			dest.User = u.Username
		}
		return dest, nil
	}

	path, err := utils.ResolvePath(raw)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %s: %v", ErrInvalidDestination, raw, err)
	}
	return Destination{Kind: DestLocal, Host: "local", Path: path}, nil
}

func (d Destination) String() string {
	switch d.Kind {
	case DestS3:
		return "s3://" + d.Host + "/" + d.Path
	case DestLocal:
		return d.Path
	default:
		return fmt.Sprintf("%s@%s:%s", d.User, d.Host, d.Path)
	}
}

// StagingName is the per-destination directory name used on sneakernet media
func (d Destination) StagingName() string {
	return d.Host + "_" + utils.FlattenPath(d.Path)
}
