// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blobcache

import (
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/hash"
	"github.com/buildaccel/shortcut/log"
)

// S3Mirror pushes and pulls blobs to/from a shared team cache
// bucket, built on aws-sdk-go's s3manager. It is entirely optional: a
// Cache opened without WithS3Mirror behaves exactly as a purely-local
// cache.
type S3Mirror struct {
	bucket   string
	prefix   string
	uploader *s3manager.Uploader
	download *s3manager.Downloader
}

// NewS3Mirror constructs a mirror against bucket/prefix using the
// default AWS session and credential chain.
func NewS3Mirror(bucket, prefix string) (*S3Mirror, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.E(errors.Unavailable, "blobcache: s3 session", err)
	}
	client := s3.New(sess)
	return &S3Mirror{
		bucket:   bucket,
		prefix:   prefix,
		uploader: s3manager.NewUploaderWithClient(client),
		download: s3manager.NewDownloaderWithClient(client),
	}, nil
}

func (m *S3Mirror) key(h hash.Hash) string {
	b64 := h.Base64()
	if m.prefix == "" {
		return b64
	}
	return m.prefix + "/" + b64
}

// Push uploads the blob at localPath, keyed by h, to the mirror
// bucket.
func (m *S3Mirror) Push(h hash.Hash, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.E(errors.NotExist, "blobcache: s3 push open", err)
	}
	defer f.Close()
	_, err = m.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(h)),
		Body:   f,
	})
	if err != nil {
		return errors.E(errors.Unavailable, "blobcache: s3 push", err)
	}
	return nil
}

// PushAsync pushes in a detached goroutine, logging (but not
// propagating) any failure: a failed remote mirror push must never
// fail the local store.
func (m *S3Mirror) PushAsync(h hash.Hash, localPath string) {
	go func() {
		if err := m.Push(h, localPath); err != nil {
			log.Error.Printf("blobcache: s3 mirror push failed for %s: %v", h, err)
		}
	}()
}

// Pull downloads the blob keyed by h into localPath.
func (m *S3Mirror) Pull(h hash.Hash, localPath string) error {
	if err := os.MkdirAll(dirOf(localPath), 0755); err != nil {
		return errors.E(errors.Unavailable, "blobcache: s3 pull mkdir", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return errors.E(errors.Unavailable, "blobcache: s3 pull create", err)
	}
	defer f.Close()
	_, err = m.download.Download(f, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(h)),
	})
	if err != nil {
		os.Remove(localPath)
		return errors.E(errors.NotExist, "blobcache: s3 pull", err)
	}
	return nil
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}
