package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"ecrecv/internal/dataset"
	"ecrecv/internal/model"
	"ecrecv/internal/sink"

	"cloud.google.com/go/storage"
	"github.com/spf13/afero"
)

// Uploader copies delivered files into a bucket and checks the stored
// object against the local size and CRC32C.
type Uploader struct {
	client *storage.Client
	fs     afero.Fs
	bucket string
	prefix string
	now    func() time.Time
}

func NewUploader(client *storage.Client, fs afero.Fs, bucket, prefix string) *Uploader {
	return &Uploader{client: client, fs: fs, bucket: bucket, prefix: prefix, now: time.Now}
}

func (u *Uploader) Name() string {
	return "gcs"
}

// ObjectName groups dissemination files by product and analysis day.
func (u *Uploader) ObjectName(name string) string {
	if n, err := dataset.Parse(name, u.now()); err == nil && !n.Start.IsZero() {
		return path.Join(u.prefix, n.Product(), n.Start.Format("20060102"), name)
	}
	return path.Join(u.prefix, "other", name)
}

func (u *Uploader) Accept(ctx context.Context, d *sink.Delivery) error {
	sum, err := d.Digest(u.fs)
	if err != nil {
		return fmt.Errorf("%w: digest %s: %v", model.ErrDownstreamUnavailable, d.Path, err)
	}

	objName := u.ObjectName(d.Name)
	obj := u.client.Bucket(u.bucket).Object(objName)

	file, err := u.fs.Open(d.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := obj.NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = "application/octet-stream"
	w.CRC32C = sum.CRC32C
	w.SendCRC32C = true
	w.Metadata = map[string]string{
		"file_id": string(d.ID),
		"md5":     sum.MD5,
		"sha256":  sum.SHA256,
	}

	if _, err := file.Seek(0, 0); err != nil {
		_ = w.Close()
		return err
	}
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return fmt.Errorf("%w: upload %s: %v", model.ErrDownstreamUnavailable, objName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: upload %s: %v", model.ErrDownstreamUnavailable, objName, err)
	}

	var attrs *storage.ObjectAttrs
	for i := 0; i < 3; i++ {
		attrs, err = obj.Attrs(ctx)
		if err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("%w: attrs %s: %v", model.ErrDownstreamUnavailable, objName, err)
	}

	if attrs.Size != sum.Size {
		return fmt.Errorf("verify size mismatch: local=%d remote=%d", sum.Size, attrs.Size)
	}
	if attrs.CRC32C != sum.CRC32C {
		return fmt.Errorf("verify crc32c mismatch: local=%d remote=%d", sum.CRC32C, attrs.CRC32C)
	}

	d.Locations = append(d.Locations, fmt.Sprintf("gs://%s/%s", u.bucket, objName))
	return nil
}
