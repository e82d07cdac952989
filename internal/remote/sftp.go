package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/openmined/syftbackup/internal/config"
	"github.com/openmined/syftbackup/internal/utils"
	"github.com/openmined/syftbackup/internal/version"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SFTPOptions struct {
	Port           int
	KeyFiles       []string
	KnownHostsFile string
}

// SFTPStore keeps the archive on an SSH host, spoken to over one SFTP session
type SFTPStore struct {
	dest   config.Destination
	layout layout
	conn   *ssh.Client
	client *sftp.Client
}

// DialSFTP opens the SSH connection and the SFTP session. Authentication and host key
// problems surface here, before any local work starts.
func DialSFTP(ctx context.Context, dest config.Destination, opts SFTPOptions) (*SFTPStore, error) {
	hostKeys, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", opts.KnownHostsFile, err)
	}

	auth := sshAuthMethods(opts.KeyFiles)
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials: start an ssh-agent or pass --ssh-key")
	}

	sshCfg := &ssh.ClientConfig{
		User:            dest.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		ClientVersion:   version.SSHClientVersion(),
	}

	addr := net.JoinHostPort(dest.Host, strconv.Itoa(opts.Port))
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn, sftp.UseConcurrentWrites(true))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("start sftp session on %s: %w", addr, err)
	}

	slog.Info("connected", "dest", dest.String(), "addr", addr)
	return &SFTPStore{
		dest:   dest,
		layout: layout{root: dest.Path},
		conn:   conn,
		client: client,
	}, nil
}

// sshAuthMethods offers the agent first, then every readable unencrypted key file
func sshAuthMethods(keyFiles []string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
		} else {
			slog.Warn("ssh agent unavailable", "socket", sock, "error", err)
		}
	}

	var signers []ssh.Signer
	for _, keyFile := range keyFiles {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			slog.Warn("ssh key unreadable", "path", keyFile, "error", err)
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var passErr *ssh.PassphraseMissingError
			if errors.As(err, &passErr) {
				slog.Debug("ssh key needs a passphrase, leaving it to the agent", "path", keyFile)
			} else {
				slog.Warn("ssh key invalid", "path", keyFile, "error", err)
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	return methods
}

func (s *SFTPStore) Describe() string {
	return s.dest.String()
}

func (s *SFTPStore) Bootstrap(ctx context.Context) (string, error) {
	id, err := s.readID()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	for _, dir := range []string{s.layout.filesPath(), s.layout.manifestsPath()} {
		if err := s.client.MkdirAll(dir); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	id = newArchiveID()
	if err := s.publish(s.layout.idPath(), stringReader(id+"\n"), false, nil); err != nil {
		if _, statErr := s.client.Stat(s.layout.idPath()); statErr == nil {
			// lost a race with another bootstrap, use theirs
			return s.readID()
		}
		return "", fmt.Errorf("publish archive id: %w", err)
	}

	slog.Info("archive created", "dest", s.dest.String(), "id", id)
	return id, nil
}

func (s *SFTPStore) readID() (string, error) {
	f, err := s.client.Open(s.layout.idPath())
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, 1024))
	if err != nil {
		return "", fmt.Errorf("read archive id: %w", err)
	}
	return parseID(data)
}

func (s *SFTPStore) Exists(ctx context.Context, hash string) (Presence, error) {
	info, err := s.client.Stat(s.layout.blobPath(hash))
	switch {
	case err == nil && info.Mode().IsRegular():
		return Present, nil
	case err == nil:
		return Unknown, fmt.Errorf("%s is not a regular file", hash)
	case errors.Is(err, os.ErrNotExist):
		return Absent, nil
	default:
		return Unknown, err
	}
}

func (s *SFTPStore) PublishBlob(ctx context.Context, hash string, content io.Reader, size int64) error {
	final := s.layout.blobPath(hash)
	hr := utils.NewHashReader(content)
	err := s.publish(final, hr, true, func() error { return hr.Verify(hash, size) })
	if errors.Is(err, utils.ErrHashMismatch) {
		return fmt.Errorf("publish blob %s: %w", hash, err)
	}
	if err != nil {
		if info, statErr := s.client.Stat(final); statErr == nil && info.Size() == size {
			// published concurrently by someone else, same name means same content
			return nil
		}
		return fmt.Errorf("publish blob %s: %w", hash, err)
	}
	return nil
}

func (s *SFTPStore) PublishManifest(ctx context.Context, name string, data []byte) error {
	final := s.layout.manifestPath(name)
	if _, err := s.client.Stat(final); err == nil {
		return fmt.Errorf("%s: %w", name, ErrManifestExists)
	}
	if err := s.publish(final, stringReader(string(data)), false, nil); err != nil {
		if _, statErr := s.client.Stat(final); statErr == nil {
			return fmt.Errorf("%s: %w", name, ErrManifestExists)
		}
		return fmt.Errorf("publish manifest %s: %w", name, err)
	}
	return nil
}

// publish writes to a temporary sibling and renames it into place. The plain SFTP rename
// never replaces an existing target; with overwrite the POSIX rename extension is used
// when the server has it. A non-nil verify runs after the write and can veto the rename.
func (s *SFTPStore) publish(final string, content io.Reader, overwrite bool, verify func() error) error {
	tmp := tempName(final)

	f, err := s.client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.ReadFrom(content); err != nil {
		f.Close()
		s.discard(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		s.discard(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if verify != nil {
		if err := verify(); err != nil {
			s.discard(tmp)
			return err
		}
	}

	if overwrite {
		if _, ok := s.client.HasExtension("posix-rename@openssh.com"); ok {
			err = s.client.PosixRename(tmp, final)
		} else {
			err = s.client.Rename(tmp, final)
		}
	} else {
		err = s.client.Rename(tmp, final)
	}
	if err != nil {
		s.discard(tmp)
		return fmt.Errorf("rename %s: %w", final, err)
	}

	if err := s.client.Chmod(final, 0o444); err != nil {
		return fmt.Errorf("seal %s: %w", final, err)
	}
	return nil
}

func (s *SFTPStore) discard(tmp string) {
	if err := s.client.Remove(tmp); err != nil {
		slog.Warn("failed to remove temporary object", "path", tmp, "error", err)
	}
}

func (s *SFTPStore) Close() error {
	err := s.client.Close()
	if s.conn == nil {
		return err
	}
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Store = (*SFTPStore)(nil)
