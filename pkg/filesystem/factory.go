package filesystem

import (
	"context"
	"fmt"
)

// Options carries backend settings for CreateFileSystem.
type Options struct {
	Pool           PoolConfig
	StrictHostKeys bool
	S3             S3Options
}

// DefaultOptions returns options with the default SFTP pool configuration.
func DefaultOptions() Options {
	return Options{Pool: DefaultPoolConfig()}
}

// CreateFileSystem creates a FileSystem for the given path.
// Returns (filesystem, basePath, closer, error).
//   - filesystem: the FileSystem to use for operations
//   - basePath: the path to use with the filesystem (URL prefix stripped)
//   - closer: releases connections; never nil
func CreateFileSystem(ctx context.Context, pathStr string, opts Options) (FileSystem, string, func(), error) {
	parsed, err := ParsePath(pathStr)
	if err != nil {
		return nil, "", nil, err
	}

	noop := func() {}

	switch parsed.Scheme {
	case SchemeMem:
		return SharedMemFileSystem(), parsed.Path, noop, nil

	case SchemeS3:
		s3Opts := opts.S3
		s3Opts.Bucket = parsed.Bucket

		s3fs, err := NewS3FileSystem(ctx, s3Opts)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open s3://%s: %w", parsed.Bucket, err)
		}

		return s3fs, parsed.Path, noop, nil

	case SchemeSFTP:
		conn, err := ConnectWithOptions(ctx, ConnectOptions{
			Host:           parsed.Host,
			Port:           parsed.Port,
			User:           parsed.User,
			StrictHostKeys: opts.StrictHostKeys,
		})
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to connect to %s@%s:%d: %w",
				parsed.User, parsed.Host, parsed.Port, err)
		}

		sftpfs, err := NewSFTPFileSystem(conn, opts.Pool)
		if err != nil {
			_ = conn.Close()
			return nil, "", nil, err
		}

		return sftpfs, parsed.Path, func() { _ = sftpfs.Close() }, nil

	case SchemeLocal:
	}

	return NewRealFileSystem(), parsed.Path, noop, nil
}
