// Package cloudio adapts the teacher's cloud-backed vfs.FS wrapper
// (cloud/aws, cloud/common in the original pebble tree) to thin-merge's
// block engine: instead of mirroring every sstable/MANIFEST write as
// pebble's CloudFS does, it mirrors one thing — the finished output
// metadata image — to S3 once the merge pipeline has closed it.
package cloudio

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cockroachdb/errors"

	"github.com/dm-thin/thin-merge-go/internal/blockio"
)

// Options configures where the merged metadata image is archived to.
type Options struct {
	Bucket      string
	Prefix      string
	Region      string
	Compression Codec
}

// Key returns the S3 object key name's archive would be stored under,
// including the compression-derived suffix.
func (o Options) Key(name string) string {
	return strings.TrimSuffix(o.Prefix, "/") + "/" + name + o.Compression.suffix()
}

// Engine decorates a blockio.Engine and, on Close, uploads the underlying
// local file to S3 under Options.Prefix. It is only ever used as the
// output engine: the teacher's CloudFile skips ".log"/".dbtmp" names on
// every Sync because pebble mirrors continuously; thin-merge instead
// mirrors once, after the restore and details patch have both landed,
// so there is nothing to skip.
type Engine struct {
	blockio.Engine
	path     string
	name     string
	opts     Options
	uploader *s3manager.Uploader
}

// Wrap opens path as a local sync engine and returns an Engine that
// uploads it to S3 when closed. name is the object's base name (e.g. the
// output file's basename).
func Wrap(path, name string, opts Options) (*Engine, error) {
	if !opts.Compression.valid() {
		return nil, errors.Newf("cloudio: unknown compression codec %q", opts.Compression)
	}

	local, err := blockio.OpenSync(path, true, false)
	if err != nil {
		return nil, err
	}

	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		local.Close()
		return nil, errors.Wrap(err, "cloudio: creating AWS session")
	}

	return &Engine{
		Engine:   local,
		path:     path,
		name:     name,
		opts:     opts,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

// Close flushes and closes the local file, then uploads it to
// s3://bucket/prefix/name.
func (e *Engine) Close() error {
	if err := e.Engine.Close(); err != nil {
		return err
	}
	return e.upload()
}

func (e *Engine) upload() error {
	f, err := os.Open(e.path)
	if err != nil {
		return errors.Wrapf(err, "cloudio: reopening %s for upload", e.path)
	}
	defer f.Close()

	var body io.Reader = f
	if e.opts.Compression != CodecNone {
		raw, err := io.ReadAll(f)
		if err != nil {
			return errors.Wrapf(err, "cloudio: reading %s for compression", e.path)
		}
		packed, err := compress(e.opts.Compression, raw)
		if err != nil {
			return err
		}
		body = bytes.NewReader(packed)
	}

	_, err = e.uploader.Upload(&s3manager.UploadInput{
		Body:   body,
		Bucket: aws.String(e.opts.Bucket),
		Key:    aws.String(e.opts.Key(e.name)),
	})
	if err != nil {
		return errors.Wrapf(err, "cloudio: uploading %s to s3://%s/%s", e.path, e.opts.Bucket, e.opts.Key(e.name))
	}
	return nil
}

// Delete is kept for symmetry with the teacher's DeleteS3File: it removes
// the archived image stored under opts.Key(name) without re-deriving the
// key convention. Nothing in the CLI calls it.
func Delete(opts Options, name string, region string) error {
	if region == "" {
		region = "us-east-1"
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return errors.Wrap(err, "cloudio: creating AWS session")
	}
	client := s3.New(sess)
	_, err = client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(opts.Bucket),
		Key:    aws.String(opts.Key(name)),
	})
	return err
}
