package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/anvil-platform/startorder/internal/manifest"
)

// ModuleRecord is the value stored under a module name in the modules bucket.
type ModuleRecord struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Ref returns the module reference of the record.
func (m ModuleRecord) Ref() manifest.ModuleRef {
	return manifest.ModuleRef{Name: m.Name, Version: m.Version}
}

// CapabilityRecord is the value stored under an instance id in the
// capabilities bucket.
type CapabilityRecord struct {
	Capability string            `json:"capability"`
	Module     string            `json:"module"`
	Version    string            `json:"version,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	// Count is the number of instances a capability provider will register.
	Count *int `json:"count,omitempty"`
}

// Bucket is the part of a JetStream key-value bucket the runtime uses.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	WatchAll(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// OpenBucket returns the named bucket, creating it when it does not exist.
func OpenBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: name})
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			return js.KeyValue(ctx, name)
		}
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return kv, nil
}

// PutModule stores a module record under its name.
func PutModule(ctx context.Context, b Bucket, rec ModuleRecord) error {
	if rec.Name == "" {
		return errors.New("module record without a name")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal module %s: %w", rec.Name, err)
	}
	if _, err := b.Put(ctx, rec.Name, data); err != nil {
		return fmt.Errorf("put module %s: %w", rec.Name, err)
	}
	return nil
}

// PutCapability stores a capability record under id.
func PutCapability(ctx context.Context, b Bucket, id string, rec CapabilityRecord) error {
	if id == "" || rec.Capability == "" {
		return errors.New("capability record needs an id and a capability name")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal capability %s: %w", id, err)
	}
	if _, err := b.Put(ctx, id, data); err != nil {
		return fmt.Errorf("put capability %s: %w", id, err)
	}
	return nil
}

// DeleteCapability withdraws the capability instance stored under id.
func DeleteCapability(ctx context.Context, b Bucket, id string) error {
	if err := b.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete capability %s: %w", id, err)
	}
	return nil
}
