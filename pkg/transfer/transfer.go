// Package transfer is the session-scoped SFTP adapter. A session opens
// the transport and binds one SFTP channel on entry and closes both on
// exit. Files are read whole into memory; input files are batch-sized,
// not multi-gigabyte streams.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/pkg/config"
	"github.com/boa-dtp/transformat/pkg/errcode"
)

// dialTimeout bounds the TCP connect plus SSH handshake.
const dialTimeout = 30 * time.Second

// Reader is the part of a session the file processor consumes.
type Reader interface {
	ReadFile(path, taskID string) ([]byte, error)
	Close() error
}

// Session is one authenticated SFTP connection.
type Session struct {
	conn *ssh.Client
	sftp *sftp.Client
}

// Connect opens the transport and binds an SFTP channel. Authentication
// rejection and transport failure map to distinct system codes.
func Connect(cfg config.SFTPConfig) (*Session, error) {
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		code := classifyDialError(err)
		logger.Error("sftp connect failed",
			"addr", addr,
			"error", err.Error(),
			logger.KeyErrorCode, string(code))
		return nil, errcode.Wrap(err, code)
	}

	channel, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, errcode.Wrap(err, errcode.SFTPNetworkError)
	}

	logger.Debug("sftp session opened", "addr", addr)
	return &Session{conn: conn, sftp: channel}, nil
}

// classifyDialError separates credential rejection from everything else
// that can go wrong while dialing.
func classifyDialError(err error) errcode.Code {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return errcode.SFTPAuthFailed
	}
	return errcode.SFTPNetworkError
}

// ReadFile reads the entire remote file. A missing path is a processing
// failure; any other read problem is FILE_READ_FAILED.
func (s *Session) ReadFile(path, taskID string) ([]byte, error) {
	f, err := s.sftp.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errcode.Wrap(err, errcode.FileNotFound,
				"file_path", path).WithTask(taskID)
		}
		return nil, errcode.Wrap(err, errcode.FileReadFailed,
			"file_path", path, "reason", err.Error()).WithTask(taskID)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errcode.Wrap(err, errcode.FileReadFailed,
			"file_path", path, "reason", err.Error()).WithTask(taskID)
	}
	logger.Debug("remote file read",
		"file_path", path,
		"bytes", len(data),
		logger.KeyTaskID, taskID)
	return data, nil
}

// Stat checks a remote path without reading it.
func (s *Session) Stat(path, taskID string) (os.FileInfo, error) {
	info, err := s.sftp.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errcode.Wrap(err, errcode.FileNotFound,
				"file_path", path).WithTask(taskID)
		}
		return nil, errcode.Wrap(err, errcode.FileReadFailed,
			"file_path", path, "reason", err.Error()).WithTask(taskID)
	}
	return info, nil
}

// Close tears down the channel then the transport. Safe to call once
// per session; errors from the channel win over transport errors.
func (s *Session) Close() error {
	var first error
	if s.sftp != nil {
		first = s.sftp.Close()
		s.sftp = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && first == nil {
			first = err
		}
		s.conn = nil
	}
	return first
}
