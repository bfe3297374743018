package httpstore

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/remote"
)

// Objects is the remote.ObjectStore side of a Client.
type Objects struct {
	c *Client
}

// Objects returns the object store served next to the documents.
func (c *Client) Objects() *Objects {
	return &Objects{c: c}
}

func (o *Objects) endpoint(key string) string {
	return o.c.endpoint(append([]string{"objects"}, strings.Split(key, "/")...)...)
}

// Upload implements remote.ObjectStore.
func (o *Objects) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, o.endpoint(key), bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to create upload request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return o.c.send(req, "upload", nil)
}

// URL implements remote.ObjectStore. It asks the server for the public URL
// of an uploaded object; a missing object is REMOTE_NOT_FOUND.
func (o *Objects) URL(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.endpoint(key), nil)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "failed to create url request", err)
	}
	if err := o.c.send(req, "url", nil); err != nil {
		return "", err
	}
	return o.endpoint(key), nil
}

// Delete implements remote.ObjectStore.
func (o *Objects) Delete(ctx context.Context, key string) error {
	return o.c.do(ctx, "delete object", http.MethodDelete, o.endpoint(key), nil, nil)
}

var _ remote.ObjectStore = (*Objects)(nil)
