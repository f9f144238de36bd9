package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type SSHServer struct {
	conf  *ssh.ServerConfig
	saver StateSaver
}

// LoadHostKey reads a PEM encoded private key for the server identity.
func LoadHostKey(path string) (ssh.Signer, error) {
	priKey, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(priKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}
	return signer, nil
}

// ParseAuthorizedKeys parses authorized_keys content into a set keyed by the
// wire encoding of each key. Only ed25519 keys can authenticate, so any other
// key type is an error.
func ParseAuthorizedKeys(data []byte) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	for len(data) > 0 {
		pub, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			if len(keys) > 0 && len(rest) == 0 {
				break
			}
			return nil, fmt.Errorf("failed to parse authorized key: %w", err)
		}
		if pub.Type() != ssh.KeyAlgoED25519 {
			return nil, fmt.Errorf("unsupported authorized key type %s: only %s is accepted", pub.Type(), ssh.KeyAlgoED25519)
		}
		keys[string(pub.Marshal())] = struct{}{}
		data = rest
	}
	if len(keys) == 0 {
		return nil, errors.New("no authorized keys found")
	}
	return keys, nil
}

func NewSSHServer(hostKey ssh.Signer, authorized map[string]struct{}, saver StateSaver) *SSHServer {
	conf := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if _, ok := authorized[string(key.Marshal())]; ok {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", conn.User())
		},
		PublicKeyAuthAlgorithms: []string{ssh.KeyAlgoED25519},
	}
	conf.AddHostKey(hostKey)
	return &SSHServer{conf: conf, saver: saver}
}

func (s *SSHServer) HandleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.conf)
	if err != nil {
		slog.Error("failed to create SSH server connection", "err", err)
		return
	}
	defer sshConn.Close()
	slog.Info(
		"SSH connection established",
		"remote_addr", sshConn.RemoteAddr(),
		"user", sshConn.User(),
	)
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			slog.Error("failed to accept channel", "err", err)
			continue
		}
		go s.handleSession(sshConn, channel, requests)
	}
}

func (s *SSHServer) handleSession(sshConn *ssh.ServerConn, channel ssh.Channel, in <-chan *ssh.Request) {
	defer channel.Close()
	for req := range in {
		if req.Type != "subsystem" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct {
			Name string
		}
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			slog.Error("failed to unmarshal subsystem request", "err", err)
			req.Reply(false, nil)
			return
		}
		if payload.Name != "sftp" {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		requestServer := sftp.NewRequestServer(channel, NewStateUploadHandler(s.saver).Handlers())
		slog.Info("starting SFTP server for client", "remote_addr", sshConn.RemoteAddr(), "user", sshConn.User())
		if err := requestServer.Serve(); err != nil && !errors.Is(err, io.EOF) {
			slog.Error("SFTP server error", "err", err)
		}
		requestServer.Close()
		slog.Info("SFTP server session ended", "remote_addr", sshConn.RemoteAddr(), "user", sshConn.User())
		return
	}
}

// Serve accepts connections on ln until ctx is done.
func (s *SSHServer) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("SSH server listening on", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		slog.Info("SSH server is shutting down")
		ln.Close()
	}()
	for {
		rawConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept error: %w", err)
		}
		go s.HandleConn(rawConn)
	}
}
