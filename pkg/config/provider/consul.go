// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"context"
	"fmt"
	"time"

	consul "github.com/hashicorp/consul/api"
)

// ConsulProvider loads engine config from a single Consul KV key and can
// long-poll that key for changes via Consul's blocking queries.
type ConsulProvider struct {
	client *consul.Client
	key    string
}

// NewConsulProvider dials the first of endpoints (defaulting to the agent's
// local address if endpoints is empty) and binds to the given KV key.
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("consul provider: key is required")
	}

	cfg := consul.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}

	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul provider: new client: %w", err)
	}

	return &ConsulProvider{client: client, key: key}, nil
}

func (p *ConsulProvider) Type() Type { return TypeConsul }

// Load fetches the current value of the bound key.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	kv := p.client.KV()
	pair, _, err := kv.Get(p.key, (&consul.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul provider: get %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul provider: key %s not found", p.key)
	}
	return pair.Value, nil
}

// Watch blocks on Consul's KV blocking-query mechanism (a long poll keyed by
// ModifyIndex) and signals once per observed change. It stops when ctx is
// cancelled.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		kv := p.client.KV()
		var lastIndex uint64

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			opts := &consul.QueryOptions{WaitIndex: lastIndex}
			pair, meta, err := kv.Get(p.key, opts.WithContext(ctx))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Transient lookup failure; back off before retrying the
				// blocking query rather than spinning.
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			if pair == nil {
				lastIndex = meta.LastIndex
				continue
			}

			if lastIndex != 0 && meta.LastIndex != lastIndex {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			lastIndex = meta.LastIndex
		}
	}()

	return ch, nil
}

func (p *ConsulProvider) Close() error { return nil }

var _ Provider = (*ConsulProvider)(nil)
