package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"statesaver/config"
	"statesaver/service/persist"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

func logEvent(event persist.Event) {
	slog.Debug("save state event", "type", event.Type, "id", event.ID, "path", event.Path, "size", event.Size, "err", event.Err)
}

// Serve runs the API and, when configured, the SFTP ingress until ctx is
// done. Accepted writes are drained before it returns.
func Serve(ctx context.Context, cfg *config.Config) (err error) {
	persister := persist.New(persist.WithLogger(slog.Default()))
	persister.Subscribe(logEvent)
	defer func() {
		err = multierr.Append(err, persister.Close())
	}()

	registry := NewRegistry()
	RegisterSaveState(registry, persister)

	var (
		sshServer *SSHServer
		sshLn     net.Listener
	)
	if cfg.SSHPort > 0 {
		var scoped *persist.Persister
		if sshServer, scoped, err = newSFTPIngress(cfg); err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, scoped.Close())
		}()
		sshAddr := net.JoinHostPort(cfg.SSHHost, fmt.Sprint(cfg.SSHPort))
		if sshLn, err = net.Listen("tcp", sshAddr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", sshAddr, err)
		}
	}

	addr := net.JoinHostPort(cfg.APIHost, fmt.Sprint(cfg.APIPort))
	apiLn, err := net.Listen("tcp", addr)
	if err != nil {
		if sshLn != nil {
			sshLn.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return ServeAPI(ctx, cfg, registry, apiLn)
	})
	if sshServer != nil {
		p.Go(func(ctx context.Context) error {
			return sshServer.Serve(ctx, sshLn)
		})
	}
	return p.Wait()
}

// newSFTPIngress builds the SSH server and the persister it writes through.
// Uploads are confined to cfg.SFTPRoot.
func newSFTPIngress(cfg *config.Config) (*SSHServer, *persist.Persister, error) {
	hostKey, err := LoadHostKey(cfg.SSHPrivateKeyPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.SSHAuthorizedKeysPath == "" {
		return nil, nil, fmt.Errorf("ssh_authorized_keys_path is required when ssh_port is set")
	}
	data, err := os.ReadFile(cfg.SSHAuthorizedKeysPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read authorized keys: %w", err)
	}
	authorized, err := ParseAuthorizedKeys(data)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.SFTPRoot, persist.DirPerm); err != nil {
		return nil, nil, fmt.Errorf("failed to create sftp root: %w", err)
	}
	scoped := persist.New(
		persist.WithFs(afero.NewBasePathFs(afero.NewOsFs(), cfg.SFTPRoot)),
		persist.WithLogger(slog.Default().With("ingress", "sftp")),
	)
	scoped.Subscribe(logEvent)
	return NewSSHServer(hostKey, authorized, scoped), scoped, nil
}
