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

package update

import "golang.org/x/sys/unix"

// writeAtFD and readAtFD issue pwrite/pread directly against a raw fd.
// fh.IFH.FD is owned by the connection's state record per spec §5, not
// by the update engine, so this deliberately avoids os.NewFile: an
// *os.File finalizer would close the fd out from under its owner once
// garbage collected.
func writeAtFD(fd int, buf []byte, off int64) (int, error) {
	return unix.Pwrite(fd, buf, off)
}

func readAtFD(fd int, buf []byte, off int64) (int, error) {
	return unix.Pread(fd, buf, off)
}
