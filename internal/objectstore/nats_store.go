// Package objectstore provides a NATS JetStream implementation of the
// AudioArchive interface used to persist generated audio alongside the
// base64 envelope payload.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsArchive implements core.AudioArchive on a JetStream object store bucket.
type NatsArchive struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the archive bucket if needed and binds to it.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsArchive, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Synthesized audio archive for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf(
				"failed to create audio archive bucket '%s': %w",
				bucketName,
				err,
			)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to bind to existing audio archive bucket '%s': %w",
				bucketName,
				err,
			)
		}
	}

	return &NatsArchive{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Upload saves one audio blob under the given key.
func (n *NatsArchive) Upload(_ context.Context, key string, data []byte) error {
	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    nil,
		Opts:        nil,
	}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf(
			"failed to put audio '%s' to bucket '%s': %w",
			key,
			n.bucket,
			err,
		)
	}

	return nil
}
