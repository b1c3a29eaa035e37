// Copyright 2015 Google Inc. All Rights Reserved.
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

package rpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/rpc"
)

func TestCallRoundTripsThroughEcho(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	client := rpc.NewConnection(clientConn, nil)
	server := rpc.NewConnection(serverConn, func(f rpc.Frame, c *rpc.Connection) {
		_ = c.Send(rpc.Frame{Direction: rpc.DirReply, RequestID: f.RequestID, Payload: f.Payload})
	})

	go client.Run()
	go server.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := client.Call(ctx, 99, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), reply.Payload)
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	client := rpc.NewConnection(clientConn, nil)
	server := rpc.NewConnection(serverConn, func(f rpc.Frame, c *rpc.Connection) {
		// never replies
	})

	go client.Run()
	go server.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, 1, nil)
	assert.Error(t, err)
}

func TestCloseBumpsGeneration(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	client := rpc.NewConnection(clientConn, nil)
	before := client.Generation()
	require.NoError(t, client.Close())
	assert.Greater(t, client.Generation(), before)
}
