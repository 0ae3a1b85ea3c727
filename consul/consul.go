// Package consul wraps the Consul API client used by the key watcher and
// provides the blocking-read KV interface the rest of the program watches
// through.
package consul

import (
	"context"
	"fmt"
	"net/http"
	"time"

	capi "github.com/hashicorp/consul/api"

	"github.com/hashicorp/k8s-consul-mutator/version"
)

// NewClient returns a Consul API client. It adds a required User-Agent
// header that describes the version of k8s-consul-mutator making the call.
func NewClient(config *capi.Config) (*capi.Client, error) {
	if config.HttpClient == nil {
		config.HttpClient = &http.Client{}
	}

	if config.Transport == nil {
		tlsClientConfig, err := capi.SetupTLSConfig(&config.TLSConfig)

		if err != nil {
			return nil, err
		}

		config.Transport = &http.Transport{TLSClientConfig: tlsClientConfig}
	} else if config.Transport.TLSClientConfig == nil {
		tlsClientConfig, err := capi.SetupTLSConfig(&config.TLSConfig)

		if err != nil {
			return nil, err
		}

		config.Transport.TLSClientConfig = tlsClientConfig
	}
	config.HttpClient.Transport = config.Transport

	client, err := capi.NewClient(config)
	if err != nil {
		return nil, err
	}
	client.AddHeader("User-Agent", fmt.Sprintf("k8s-consul-mutator/%s", version.GetHumanVersion()))
	return client, nil
}

// Pair is a single KV entry as observed by a blocking read.
type Pair struct {
	Key         string
	Value       []byte
	ModifyIndex uint64
}

// KV is the blocking-read contract the key watcher consumes. It is
// satisfied by *ClientKV (backed by a live Consul agent) and by fakes in
// tests.
type KV interface {
	// Get issues a blocking read for key, waiting up to waitTime for the
	// modify-index to advance past waitIndex. A nil pair with a nil error
	// means the key does not exist.
	Get(ctx context.Context, key string, waitIndex uint64, waitTime string) (*Pair, uint64, error)
}

// ClientKV adapts *capi.Client to the KV interface.
type ClientKV struct {
	Client *capi.Client
}

// Get implements KV.
func (c *ClientKV) Get(ctx context.Context, key string, waitIndex uint64, waitTime string) (*Pair, uint64, error) {
	wait, err := time.ParseDuration(waitTime)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing wait time %q: %w", waitTime, err)
	}

	opts := (&capi.QueryOptions{
		AllowStale: true,
		WaitIndex:  waitIndex,
		WaitTime:   wait,
	}).WithContext(ctx)

	pair, meta, err := c.Client.KV().Get(key, opts)
	if err != nil {
		return nil, 0, err
	}
	if pair == nil {
		return nil, meta.LastIndex, nil
	}
	return &Pair{Key: pair.Key, Value: pair.Value, ModifyIndex: pair.ModifyIndex}, meta.LastIndex, nil
}
