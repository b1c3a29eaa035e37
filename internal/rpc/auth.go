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

package rpc

import (
	"context"
	"encoding/binary"

	"github.com/zlomekfs/zfsd/internal/zfserr"
)

// AuthStage1 exchanges node names with the peer over a connection that
// has just reached CONNECTED(auth=NONE), advancing it to auth=STAGE1 on
// success (spec §4.6).
func (c *Connection) AuthStage1(ctx context.Context, localName string) (peerName string, err error) {
	payload, err := EncodeString(localName, MaxNameLen)
	if err != nil {
		return "", err
	}
	reply, err := c.Call(ctx, fnAuthStage1, payload)
	if err != nil {
		return "", err
	}
	name, _, err := DecodeString(reply.Payload, MaxNameLen)
	if err != nil {
		return "", zfserr.Wrap("rpc.AuthStage1", zfserr.CouldNotAuth, err)
	}
	c.setState(ConnectedAuthStage1)
	return name, nil
}

// AuthStage2 completes the handshake, exchanging a link-speed hint and
// this node's boot epoch. The epoch is the fence SPEC_FULL.md §D(a)
// specifies: a reintegration lease is only stolen by a requester whose
// epoch is strictly greater than the epoch the lease was granted under,
// so a slow previous owner mid-write cannot be pre-empted by a stale
// reconnect attempt using an old epoch.
func (c *Connection) AuthStage2(ctx context.Context, hs Handshake) (peerEpoch uint64, err error) {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], hs.LinkSpeedHint)
	binary.LittleEndian.PutUint64(payload[4:12], hs.BootEpoch)

	reply, err := c.Call(ctx, fnAuthStage2, payload)
	if err != nil {
		return 0, err
	}
	if len(reply.Payload) < 8 {
		return 0, zfserr.New("rpc.AuthStage2", zfserr.CouldNotAuth)
	}
	c.setState(ConnectedEstablished)
	return binary.LittleEndian.Uint64(reply.Payload[0:8]), nil
}

// Well-known function numbers for the bootstrap RPCs (SPEC_FULL.md §C).
const (
	fnNull           uint32 = 0
	fnPing           uint32 = 1
	fnRoot           uint32 = 2
	fnVolumeRoot     uint32 = 3
	fnAuthStage1     uint32 = 21
	fnAuthStage2     uint32 = 22
	fnFileInfo       uint32 = 24
	fnMD5Sum         uint32 = 23
	fnRereadConfig   uint32 = RereadConfigFn
	fnReintegrate    uint32 = 26
	fnReintegrateAdd uint32 = 27
	fnReintegrateDel uint32 = 28
	fnReintegrateVer uint32 = 29
)
