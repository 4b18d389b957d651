package transfer

import (
	"context"
	"net"
	"os"
	"path"
	"strconv"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/stanstork/ocms-cron/internal/config"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/pipeline"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// remoteFS is the slice of *sftp.Client the uploader needs.
type remoteFS interface {
	MkdirAll(dir string) error
	Create(name string) (*sftp.File, error)
	Close() error
}

type dialFunc func(ctx context.Context) (remoteFS, error)

// SFTP pushes files to a directory on the agency transfer host. Every
// upload opens its own connection; runs are minutes apart.
type SFTP struct {
	dial      dialFunc
	remoteDir string
}

func NewSFTP(cfg config.SFTPConfig, remoteDir string) (*SFTP, error) {
	clientCfg, err := sshClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dial := func(ctx context.Context) (remoteFS, error) {
		d := net.Dialer{Timeout: cfg.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		client, err := sftp.NewClient(ssh.NewClient(sshConn, chans, reqs))
		if err != nil {
			sshConn.Close()
			return nil, err
		}
		return &sftpSession{Client: client, ssh: sshConn}, nil
	}
	return &SFTP{dial: dial, remoteDir: remoteDir}, nil
}

type sftpSession struct {
	*sftp.Client
	ssh ssh.Conn
}

func (s *sftpSession) Close() error {
	err := s.Client.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

func sshClientConfig(cfg config.SFTPConfig) (*ssh.ClientConfig, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, errors.New("sftp host and user must be set")
	}
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "read sftp private key")
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Wrap(err, "parse sftp private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp needs a private key or a password")
	}
	if cfg.KnownHostsPath == "" {
		return nil, errors.New("sftp known_hosts_path must be set")
	}
	hostKeys, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, errors.Wrap(err, "load known hosts")
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Timeout,
	}, nil
}

func (s *SFTP) UploadTransfer(ctx context.Context, file pipeline.File) (string, error) {
	fs, err := s.dial(ctx)
	if err != nil {
		return "", errs.E(errs.KindTransientInfra, "sftp.dial", err)
	}
	defer fs.Close()

	if err := fs.MkdirAll(s.remoteDir); err != nil {
		return "", errs.E(errs.KindTransientInfra, "sftp.mkdir", err)
	}
	target := path.Join(s.remoteDir, file.Name)
	f, err := fs.Create(target)
	if err != nil {
		return "", errs.E(errs.KindTransientInfra, "sftp.create", err)
	}
	if _, err := f.Write(file.Content); err != nil {
		f.Close()
		return "", errs.E(errs.KindTransientInfra, "sftp.write", err)
	}
	if err := f.Close(); err != nil {
		return "", errs.E(errs.KindTransientInfra, "sftp.close", err)
	}
	return target, nil
}
