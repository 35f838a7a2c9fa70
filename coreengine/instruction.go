package coreengine

import "github.com/cacheaccel/streamengine/stream"

// InstKind classifies the opaque LSQ instructions the Core SE is driven
// by (spec Section 6, "Core-SE instruction surface").
type InstKind uint8

const (
	InstConfig InstKind = iota
	InstStep
	InstUse
	InstStore
	InstEnd
)

// Instruction is the opaque object the host pipeline hands to the Core SE
// (spec Section 6). Every kind exposes a sequence number and the stream
// ids it references; a config instruction additionally carries the region
// descriptor itself.
type Instruction struct {
	SeqNum    uint64
	Kind      InstKind
	StreamIDs []stream.ID

	// Region is populated for InstConfig instructions.
	Region *RegionDescriptor
}

// RegionDescriptor declares the set of streams a STREAM_CONFIGURE
// instruction activates (spec Section 4.3, "canConfig/dispatchConfig").
type RegionDescriptor struct {
	Streams []stream.Config
	// Statics declares any stream the engine has not seen before,
	// keyed by its static id.
	Statics map[stream.ID]*stream.Static
}
