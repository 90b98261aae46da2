package filesystem

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme identifies the backend a path lives on.
type Scheme string

// Supported schemes.
const (
	SchemeLocal Scheme = "file"
	SchemeSFTP  Scheme = "sftp"
	SchemeS3    Scheme = "s3"
	SchemeMem   Scheme = "mem"
)

// ParsedPath is a path split into the backend it addresses and the path within it.
type ParsedPath struct {
	Scheme Scheme

	// SFTP
	Host string
	Port int
	User string

	// S3
	Bucket string

	// Path within the backend: a local path, a remote path, or an object key prefix.
	Path string
}

// IsRemote reports whether the path needs a network connection.
func (p *ParsedPath) IsRemote() bool {
	return p.Scheme == SchemeSFTP || p.Scheme == SchemeS3
}

// ParsePath parses a path string, detecting which backend it addresses.
// Examples:
//   - sftp://joe@myserver.com/data         (relative to joe's home)
//   - sftp://joe@myserver.com:2222//backups (absolute /backups)
//   - s3://bucket/prefix/dir
//   - mem:///scratch
//   - /local/path/to/files
func ParsePath(path string) (*ParsedPath, error) {
	switch {
	case strings.HasPrefix(path, "sftp://"):
		return parseSFTPURL(path)
	case strings.HasPrefix(path, "s3://"):
		return parseS3URL(path)
	case strings.HasPrefix(path, "mem://"):
		p := strings.TrimPrefix(path, "mem://")
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}

		return &ParsedPath{Scheme: SchemeMem, Path: p}, nil
	}

	return &ParsedPath{Scheme: SchemeLocal, Path: path}, nil
}

//nolint:cyclop // Validates scheme, user, host, port and path in turn
func parseSFTPURL(sftpURL string) (*ParsedPath, error) {
	u, err := url.Parse(sftpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SFTP URL: %w", err)
	}

	if u.User == nil || u.User.Username() == "" {
		return nil, errors.New("SFTP URL must include username (sftp://user@host/path)")
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.New("SFTP URL must include host")
	}

	port := 22
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %w", err)
		}
	}

	// sftp://user@host/path  → relative to home directory
	// sftp://user@host//path → absolute /path
	// sftp://user@host       → home directory
	remotePath := u.Path
	switch {
	case remotePath == "" || remotePath == "/":
		remotePath = "."
	case strings.HasPrefix(remotePath, "//"):
		remotePath = remotePath[1:]
	default:
		remotePath = strings.TrimPrefix(remotePath, "/")
	}

	return &ParsedPath{
		Scheme: SchemeSFTP,
		Host:   host,
		Port:   port,
		User:   u.User.Username(),
		Path:   remotePath,
	}, nil
}

func parseS3URL(s3URL string) (*ParsedPath, error) {
	u, err := url.Parse(s3URL)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URL: %w", err)
	}

	if u.Host == "" {
		return nil, errors.New("S3 URL must include bucket (s3://bucket/prefix)")
	}

	return &ParsedPath{
		Scheme: SchemeS3,
		Bucket: u.Host,
		Path:   "/" + strings.Trim(u.Path, "/"),
	}, nil
}
