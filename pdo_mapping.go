package ethercat

// BlockIO binds one slave's contiguous input or output block to its place
// inside a PIFrame: frameOffset is the byte offset within the frame's own
// buffer, not the logical address (spec.md §4.1/§4.6).
type BlockIO struct {
	Slave       *Slave
	FrameOffset int
	Size        int // bytes
}

// PIFrame is one logical-address window, sent as a single LRD/LWR/LRW
// datagram per cycle. Buffer is the client-visible process image for this
// window; Inputs/Outputs describe which byte ranges of it belong to which
// slave.
type PIFrame struct {
	LogicalAddress uint32
	Buffer         []byte
	Inputs         []BlockIO
	Outputs        []BlockIO
}

// mappingBuilder accumulates slaves into PIFrames of at most MaxPayloadSize
// bytes, keeping each slave's input (resp. output) block contiguous within
// one frame (P7 in spec terms). Inputs and outputs share the same window
// layout: a PIFrame simply gets used for LRW when a slave contributes to
// both directions at the same logical offset range convention chosen here.
// Blocks are appended in call order; BuildMapping adds each slave's input
// block and then its output block, so the two directions interleave slave
// by slave within a frame.
type mappingBuilder struct {
	frames         []*PIFrame
	nextLogical    uint32
	current        *PIFrame
	currentUsed    int
}

func newMappingBuilder(startLogicalAddress uint32) *mappingBuilder {
	return &mappingBuilder{nextLogical: startLogicalAddress}
}

func (b *mappingBuilder) ensureRoom(size int) *PIFrame {
	if b.current == nil || b.currentUsed+size > MaxPayloadSize {
		b.current = &PIFrame{LogicalAddress: b.nextLogical}
		b.currentUsed = 0
		b.frames = append(b.frames, b.current)
	}
	return b.current
}

// addInput appends a slave's input block to the current (or a new)
// PIFrame, returning the logical address and in-frame byte offset FMMU0
// should be programmed with.
func (b *mappingBuilder) addInput(slave *Slave, sizeBytes int) (logicalAddress uint32, frameOffset int) {
	frame := b.ensureRoom(sizeBytes)
	frameOffset = b.currentUsed
	logicalAddress = frame.LogicalAddress + uint32(frameOffset)

	frame.Inputs = append(frame.Inputs, BlockIO{Slave: slave, FrameOffset: frameOffset, Size: sizeBytes})
	frame.Buffer = append(frame.Buffer, make([]byte, sizeBytes)...)
	b.currentUsed += sizeBytes
	b.nextLogical = logicalAddress + uint32(sizeBytes)
	return logicalAddress, frameOffset
}

func (b *mappingBuilder) addOutput(slave *Slave, sizeBytes int) (logicalAddress uint32, frameOffset int) {
	frame := b.ensureRoom(sizeBytes)
	frameOffset = b.currentUsed
	logicalAddress = frame.LogicalAddress + uint32(frameOffset)

	frame.Outputs = append(frame.Outputs, BlockIO{Slave: slave, FrameOffset: frameOffset, Size: sizeBytes})
	frame.Buffer = append(frame.Buffer, make([]byte, sizeBytes)...)
	b.currentUsed += sizeBytes
	b.nextLogical = logicalAddress + uint32(sizeBytes)
	return logicalAddress, frameOffset
}

// Frames returns the PIFrames accumulated so far.
func (b *mappingBuilder) Frames() []*PIFrame { return b.frames }

// copyInputs scatters a just-read frame buffer back into every input
// BlockIO's client-visible bytes (send_logical_read's reply handling).
func (f *PIFrame) copyInputs(data []byte) {
	for _, in := range f.Inputs {
		if in.FrameOffset+in.Size > len(data) {
			continue
		}
		copy(in.Slave.Input.Data, data[in.FrameOffset:in.FrameOffset+in.Size])
	}
}

// gatherOutputs builds the frame bytes to send for LWR/LRW from every
// output BlockIO's client-visible bytes (send_logical_write).
func (f *PIFrame) gatherOutputs() []byte {
	out := make([]byte, len(f.Buffer))
	for _, o := range f.Outputs {
		if o.FrameOffset+o.Size > len(out) {
			continue
		}
		copy(out[o.FrameOffset:o.FrameOffset+o.Size], o.Slave.Output.Data)
	}
	return out
}
