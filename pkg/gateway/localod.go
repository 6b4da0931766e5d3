package gateway

import "encoding/binary"

// sdoField is one subindex of a master-resident object: a byte slice the
// gateway can serve expedited/normal uploads from. The master's object
// dictionary is read-only from the gateway's perspective (diagnostic
// counters, identity objects); downloads are rejected.
type sdoField struct {
	data []byte
}

// sdoObject is one index of the master's local object dictionary.
type sdoObject struct {
	fields map[uint8]sdoField
}

// LocalObjectDictionary answers CoE SDO uploads addressed to the master
// itself (local address 0 in ETG.8200 terms), rather than forwarding them
// to a slave's mailbox.
type LocalObjectDictionary struct {
	objects map[uint16]sdoObject
}

// NewLocalObjectDictionary returns an empty master object dictionary.
func NewLocalObjectDictionary() *LocalObjectDictionary {
	return &LocalObjectDictionary{objects: make(map[uint16]sdoObject)}
}

// Set registers the byte value the master returns for index:subindex.
func (od *LocalObjectDictionary) Set(index uint16, subindex uint8, data []byte) {
	obj, ok := od.objects[index]
	if !ok {
		obj = sdoObject{fields: make(map[uint8]sdoField)}
		od.objects[index] = obj
	}
	obj.fields[subindex] = sdoField{data: data}
}

// abort codes used when the master's object dictionary can't serve a
// request, matching the ETG.1000.6 SDO abort code space.
const (
	abortObjectDoesNotExist    uint32 = 0x06020000
	abortSubindexDoesNotExist  uint32 = 0x06090011
	abortUnsupportedAccess     uint32 = 0x06010000
)

// Upload returns the bytes stored at index:subindex with ok=true, or the
// SDO abort code for an unknown object/subindex with ok=false. Building
// the reply frame is left to the caller.
func (od *LocalObjectDictionary) Upload(index uint16, subindex uint8) (data []byte, abortCode uint32, ok bool) {
	obj, exists := od.objects[index]
	if !exists {
		return nil, abortObjectDoesNotExist, false
	}
	field, exists := obj.fields[subindex]
	if !exists {
		return nil, abortSubindexDoesNotExist, false
	}
	return field.data, 0, true
}

// CompleteAccessUpload packs subindex 0 (count) followed by every
// subindex's bytes back-to-back, per ETG.1006's complete-access
// convention (MasterMailbox.h's createCompleteAccessUploadSDO).
func (od *LocalObjectDictionary) CompleteAccessUpload(index uint16) (data []byte, abortCode uint32, ok bool) {
	obj, exists := od.objects[index]
	if !exists {
		return nil, abortObjectDoesNotExist, false
	}

	maxSub := uint8(0)
	for sub := range obj.fields {
		if sub > maxSub {
			maxSub = sub
		}
	}

	out := []byte{maxSub}
	for sub := uint8(1); sub <= maxSub; sub++ {
		field, exists := obj.fields[sub]
		if !exists {
			continue
		}
		out = append(out, field.data...)
	}
	return out, 0, true
}

// encodeAbortCode serializes a 4-byte SDO abort code, little-endian, as
// carried in an ABORT response's payload.
func encodeAbortCode(code uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, code)
	return buf
}
