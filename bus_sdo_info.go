package ethercat

import "encoding/binary"

// ReadODList queries the set of object indices a slave exposes under
// listType (0x01 selects all objects), draining fragmented replies to
// completion.
func (b *Bus) ReadODList(slave *Slave, listType uint16) ([]uint16, error) {
	mbx := slave.mailboxFor()
	deadline := b.clock.SinceStart() + defaultSDOTimeout.Nanoseconds()
	msg, err := mbx.CreateODListQuery(listType, deadline)
	if err != nil {
		return nil, err
	}
	if err := b.runMailboxMessage(slave, mbx, msg, defaultSDOTimeout); err != nil {
		return nil, err
	}

	raw := msg.Result()
	if len(raw) < 2 {
		return nil, nil
	}
	indices := make([]uint16, 0, (len(raw)-2)/2)
	for i := 2; i+1 < len(raw); i += 2 {
		indices = append(indices, binary.LittleEndian.Uint16(raw[i:i+2]))
	}
	return indices, nil
}

// ReadObjectDescription queries one object's description (data type, max
// subindex, object code, name) as the raw SDO-Information payload.
func (b *Bus) ReadObjectDescription(slave *Slave, index uint16) ([]byte, error) {
	mbx := slave.mailboxFor()
	deadline := b.clock.SinceStart() + defaultSDOTimeout.Nanoseconds()
	msg, err := mbx.CreateObjectDescriptionQuery(index, deadline)
	if err != nil {
		return nil, err
	}
	if err := b.runMailboxMessage(slave, mbx, msg, defaultSDOTimeout); err != nil {
		return nil, err
	}
	return msg.Result(), nil
}

// ReadEntryDescription queries one entry's description (data type, bit
// length, object access, name/default value) as the raw SDO-Information
// payload.
func (b *Bus) ReadEntryDescription(slave *Slave, index uint16, subindex uint8, valueInfo uint8) ([]byte, error) {
	mbx := slave.mailboxFor()
	deadline := b.clock.SinceStart() + defaultSDOTimeout.Nanoseconds()
	msg, err := mbx.CreateEntryDescriptionQuery(index, subindex, valueInfo, deadline)
	if err != nil {
		return nil, err
	}
	if err := b.runMailboxMessage(slave, mbx, msg, defaultSDOTimeout); err != nil {
		return nil, err
	}
	return msg.Result(), nil
}
