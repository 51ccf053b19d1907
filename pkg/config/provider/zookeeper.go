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
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperProvider loads engine config from a single ZooKeeper znode and
// watches it via ZooKeeper's native watch mechanism (GetW).
type ZookeeperProvider struct {
	mu        sync.Mutex
	conn      *zk.Conn
	endpoints []string
	path      string
	closed    bool
}

// NewZookeeperProvider connects to the given ensemble and binds to path.
func NewZookeeperProvider(endpoints []string, path string) (*ZookeeperProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("zookeeper provider: path is required")
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper provider: at least one endpoint is required")
	}

	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zookeeper provider: connect: %w", err)
	}

	return &ZookeeperProvider{conn: conn, endpoints: endpoints, path: path}, nil
}

func (p *ZookeeperProvider) Type() Type { return TypeZookeeper }

// Load fetches the current contents of the bound znode.
func (p *ZookeeperProvider) Load(ctx context.Context) ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("zookeeper provider: get %s: %w", p.path, err)
	}
	return data, nil
}

// Watch re-arms a GetW watch on the bound znode after every fired event and
// signals on data or delete events, stopping when ctx is cancelled.
func (p *ZookeeperProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		for {
			_, _, events, err := p.conn.GetW(p.path)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			select {
			case ev := <-events:
				switch ev.Type {
				case zk.EventNodeDataChanged, zk.EventNodeDeleted:
					select {
					case ch <- struct{}{}:
					default:
					}
				case zk.EventNotWatching:
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (p *ZookeeperProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.conn.Close()
	return nil
}

var _ Provider = (*ZookeeperProvider)(nil)
