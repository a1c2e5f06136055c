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

package smmu

// Register layout and bit definitions, exported so the simulator and the
// diagnostics CLI share one source of truth.

// Architectural maxima.
const (
	// MaxContextBanks bounds the context-bank index space.
	MaxContextBanks = 128

	// MaxMappingGroups bounds the stream-mapping-group index space.
	MaxMappingGroups = 128

	// MaxASID is the largest TLB address-space identifier.
	MaxASID = 0xff
)

// Invalid sentinels for unattached domain bindings.
const (
	InvalidCBNDX   = 0xff
	InvalidIRPTNDX = 0xff
	InvalidASID    = 0xffff
	InvalidVMID    = 0xff
)

// Global register space 0 (offset 0).
const (
	RegSCR0        = 0x000
	RegID0         = 0x020
	RegID1         = 0x024
	RegID2         = 0x028
	RegID3         = 0x02c
	RegID4         = 0x030
	RegID5         = 0x034
	RegID6         = 0x038
	RegID7         = 0x03c
	RegSGFSR       = 0x048
	RegSGFSYNR0    = 0x050
	RegSGFSYNR1    = 0x054
	RegSGFSYNR2    = 0x058
	RegTLBIVMID    = 0x064
	RegTLBIALLNSNH = 0x068
	RegTLBIALLH    = 0x06c
	RegSTLBGSYNC   = 0x070
	RegSTLBGSTATUS = 0x074
)

// RegSMR returns the offset of stream-match register n in global space 0.
func RegSMR(n uint32) uint64 { return 0x800 + 4*uint64(n) }

// RegS2CR returns the offset of stream-to-context register n in global
// space 0.
func RegS2CR(n uint32) uint64 { return 0xc00 + 4*uint64(n) }

// Global register space 1 offsets, relative to Layout.GR1.
const (
	RegCBFRSYNRABase = 0x400
	RegCBA2RBase     = 0x800
)

// Implementation-defined space offsets.
const (
	// RegMicroMMUCtrl sits at the start of implementation-defined
	// space 1 (Layout.ImplDef1).
	RegMicroMMUCtrl = 0x000
)

// Per-context-bank register offsets, relative to Layout.CB(n).
const (
	RegCBSCTLR      = 0x000
	RegCBACTLR      = 0x004
	RegCBResume     = 0x008
	RegCBTTBCR2     = 0x010
	RegCBTTBR0      = 0x020 // 64-bit
	RegCBTTBR1      = 0x028 // 64-bit
	RegCBTTBCR      = 0x030
	RegCBContextIDR = 0x034
	RegCBMAIR0      = 0x038
	RegCBMAIR1      = 0x03c
	RegCBPARLo      = 0x050
	RegCBPARHi      = 0x054
	RegCBFSR        = 0x058
	RegCBFSRRestore = 0x05c
	RegCBFARLo      = 0x060
	RegCBFARHi      = 0x064
	RegCBFSYNR0     = 0x068
	RegCBTLBIVA     = 0x600
	RegCBTLBIASID   = 0x610
	RegCBTLBIALL    = 0x618
	RegCBTLBIVAL    = 0x620
	RegCBTLBIIPAS2  = 0x630
	RegCBTLBIIPAS2L = 0x638
	RegCBTLBSYNC    = 0x7f0
	RegCBTLBSTATUS  = 0x7f4
	RegCBATS1PR     = 0x800
	RegCBATSR       = 0x8f0
)

// sCR0 bits.
const (
	SCR0ClientPD  = 1 << 0
	SCR0GFRE      = 1 << 1
	SCR0GFIE      = 1 << 2
	SCR0GCFGFRE   = 1 << 4
	SCR0GCFGFIE   = 1 << 5
	SCR0USFCFG    = 1 << 10
	SCR0VMIDPNE   = 1 << 11
	SCR0PTM       = 1 << 12
	SCR0FB        = 1 << 13
	SCR0BSUShift  = 14
	SCR0BSUMask   = 3
	SCR0BSUNSH    = 3
)

// ID register fields.
const (
	ID0S1TS       = 1 << 30
	ID0S2TS       = 1 << 29
	ID0NTS        = 1 << 28
	ID0SMS        = 1 << 27
	ID0ATOSNS     = 1 << 26
	ID0CTTW       = 1 << 14
	ID0NumSMRMask = 0xff

	ID1PageSize      = 1 << 31
	ID1NumPageShift  = 28
	ID1NumPageMask   = 7
	ID1NumS2CBShift  = 16
	ID1NumS2CBMask   = 0xff
	ID1NumCBMask     = 0xff

	ID2IASShift = 0
	ID2OASShift = 4
	ID2UBSShift = 8
	ID2Nibble   = 0xf
)

// Stream-match register bits.
const (
	SMRValid     = 1 << 31
	SMRIDShift   = 0
	SMRMaskShift = 16
	SMRIDMask    = 0x7fff
)

// Stream-to-context register fields.
const (
	S2CRTypeShift = 16
	S2CRCBNDXMask = 0xff

	S2CRTypeTrans  = 0
	S2CRTypeBypass = 1
	S2CRTypeFault  = 2
)

// Context-bank attribute register (CBAR) fields.
const (
	CBARVMIDShift    = 0
	CBARBPSHCFGShift = 8
	CBARBPSHCFGNSH   = 3
	CBARMemAttrShift = 12
	CBARMemAttrWB    = 0xf
	CBARTypeShift    = 16
	CBARTypeS2Trans  = 0
	CBARTypeS1S2Byp  = 1
	CBARIRPTShift    = 24
)

// System control register (SCTLR) bits.
const (
	SCTLRM       = 1 << 0
	SCTLRTRE     = 1 << 1
	SCTLRAFE     = 1 << 2
	SCTLRE       = 1 << 4
	SCTLRCFRE    = 1 << 5
	SCTLRCFIE    = 1 << 6
	SCTLRCFCFG   = 1 << 7
	SCTLRHUPCF   = 1 << 8
	SCTLRASIDPNE = 1 << 12
)

// Fault status register (FSR) bits.
const (
	FSRTF     = 1 << 1
	FSRAFF    = 1 << 2
	FSRPF     = 1 << 3
	FSREF     = 1 << 4
	FSRTLBMCF = 1 << 5
	FSRTLBLKF = 1 << 6
	FSRASF    = 1 << 7
	FSRUUT    = 1 << 8
	FSRSS     = 1 << 30
	FSRMulti  = 1 << 31

	FSRFaultMask = FSRMulti | FSRSS | FSRUUT | FSREF | FSRPF | FSRTF |
		FSRAFF | FSRASF | FSRTLBMCF | FSRTLBLKF
)

// Fault syndrome bits.
const (
	FSYNR0WNR = 1 << 4
)

// Resume register values.
const (
	ResumeRetry     = 0
	ResumeTerminate = 1
)

// TLB status bits.
const (
	TLBStatusSActive  = 1 << 0
	TLBGStatusGActive = 1 << 0
)

// Address-translation probe bits.
const (
	ATSRActive = 1 << 0
	PARFault   = 1 << 0
)

// Micro-MMU control bits.
const (
	MicroCtrlHaltReq = 1 << 2
	MicroCtrlIdle    = 1 << 3
)

// TTBR fields.
const (
	TTBRASIDShift = 48
)

// Layout describes how a device's register window is carved up: two global
// spaces, implementation-defined space, and the context-bank half.
type Layout struct {
	// PageShift is log2 of the translation-unit page granule (12 or 16).
	PageShift uint

	// Size is the total register window size in bytes. Context banks
	// occupy the upper half.
	Size uint64
}

// GR1 returns the base of global register space 1.
func (l Layout) GR1() uint64 { return 1 << l.PageShift }

// ImplDef1 returns the base of implementation-defined space 1.
func (l Layout) ImplDef1() uint64 { return 6 << l.PageShift }

// CBBase returns the base of the context-bank half of the window.
func (l Layout) CBBase() uint64 { return l.Size / 2 }

// CB returns the base of context bank n.
func (l Layout) CB(n uint32) uint64 {
	return l.CBBase() + uint64(n)<<l.PageShift
}

// CBAR returns the offset of CBAR(n) from the window base.
func (l Layout) CBAR(n uint32) uint64 { return l.GR1() + 4*uint64(n) }

// CBA2R returns the offset of CBA2R(n) from the window base.
func (l Layout) CBA2R(n uint32) uint64 { return l.GR1() + RegCBA2RBase + 4*uint64(n) }

// CBFRSYNRA returns the offset of CBFRSYNRA(n) from the window base.
func (l Layout) CBFRSYNRA(n uint32) uint64 { return l.GR1() + RegCBFRSYNRABase + 4*uint64(n) }

// sizeToBits decodes the ID2 address-size encoding.
func sizeToBits(enc uint32) uint {
	switch enc {
	case 0:
		return 32
	case 1:
		return 36
	case 2:
		return 40
	case 3:
		return 42
	case 4:
		return 44
	default:
		return 48
	}
}
