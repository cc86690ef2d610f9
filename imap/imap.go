// Package imap uploads converted messages to a mailbox on an IMAP server.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/emlx-to-eml/model"
	"github.com/dhcgn/emlx-to-eml/sink"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
}

// Sink appends every committed message to the target folder. The
// connection is opened on the first commit and shared by all workers.
type Sink struct {
	ctx    context.Context
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *imapclient.Client
	cleanup func()
}

func NewSink(ctx context.Context, opts Options, logger *slog.Logger) (*Sink, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	return &Sink{ctx: ctx, opts: opts, logger: logger}, nil
}

func (s *Sink) Create(job model.Job) (sink.Output, error) {
	return sink.NewSpool(func(r io.ReadSeeker, size int64) error {
		return s.deliver(job, r, size)
	})
}

func (s *Sink) deliver(job model.Job, r io.ReadSeeker, size int64) error {
	env, err := sink.ReadEnvelope(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		client, cleanup, err := s.dial(s.ctx)
		if err != nil {
			return err
		}
		s.client, s.cleanup = client, cleanup
	}

	var opts *imapv2.AppendOptions
	if !env.Date.IsZero() {
		opts = &imapv2.AppendOptions{Time: env.Date}
	}
	if err := s.appendMessage(r, size, opts); err != nil {
		return fmt.Errorf("upload %s: %w", job.RelPath, err)
	}

	if s.logger != nil {
		s.logger.Debug("uploaded message", "file", job.RelPath, "target", s.targetFolder(), "size", size)
	}
	return nil
}

// Close logs out if a connection was opened.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanup != nil {
		s.cleanup()
		s.client, s.cleanup = nil, nil
	}
	return nil
}

func (s *Sink) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := s.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "target", s.targetFolder(), "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && s.logger != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (s *Sink) appendMessage(r io.Reader, size int64, opts *imapv2.AppendOptions) error {
	cmd := s.client.Append(s.targetFolder(), size, opts)

	if _, err := io.Copy(cmd, r); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("append write: %w", err)
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (s *Sink) targetFolder() string {
	if s.opts.TargetFolder == "" {
		return "INBOX"
	}
	return s.opts.TargetFolder
}

func (s *Sink) ensureMailbox(client *imapclient.Client) error {
	target := s.targetFolder()
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if s.logger != nil {
					s.logger.Debug("imap mailbox already exists", "mailbox", target)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if s.logger != nil {
		s.logger.Info("imap mailbox created", "mailbox", target)
	}

	return nil
}
