// Copyright 2025 The Whyred Authors.
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

//go:build linux

package mmio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// MappedSpace is a Space over an mmap'd physical register window, typically
// /dev/mem or a UIO device node.
type MappedSpace struct {
	fd   int
	mem  []byte
	size uint64
}

// Map maps size bytes of the device at path starting at physOff.
func Map(path string, physOff uint64, size uint64) (*MappedSpace, error) {
	pageSize := uint64(unix.Getpagesize())
	if physOff%pageSize != 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("mmio: offset %#x / size %#x not page aligned", physOff, size)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", path, err)
	}
	mem, err := unix.Mmap(fd, int64(physOff), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmio: mmap %s: %w", path, err)
	}
	return &MappedSpace{fd: fd, mem: mem, size: size}, nil
}

// Close unmaps the window.
func (s *MappedSpace) Close() error {
	if err := unix.Munmap(s.mem); err != nil {
		return err
	}
	return unix.Close(s.fd)
}

// Read32 implements Space.Read32.
func (s *MappedSpace) Read32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(s.mem[off:])
}

// Write32 implements Space.Write32.
func (s *MappedSpace) Write32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(s.mem[off:], v)
}

// Read64 implements Space.Read64.
func (s *MappedSpace) Read64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.mem[off:])
}

// Write64 implements Space.Write64.
func (s *MappedSpace) Write64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.mem[off:], v)
}

// Size implements Space.Size.
func (s *MappedSpace) Size() uint64 {
	return s.size
}
