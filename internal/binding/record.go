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

package binding

import (
	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/metadata"
)

// toRecord projects an iFH's mutable state into the metadata record
// shape that the per-volume metadata store persists (spec §4.2).
func toRecord(f fh.FH, ifh *fh.IFH) metadata.Record {
	return metadata.Record{
		Dev:           f.Dev,
		Ino:           f.Ino,
		Gen:           f.Gen,
		LocalVersion:  ifh.Metadata.LocalVersion,
		MasterVersion: ifh.Metadata.MasterVersion,
		MasterFH:      ifh.Metadata.MasterFH,
		Flags:         ifh.Metadata.Flags,
	}
}
