// Package smp implements the Simple Management Protocol envelope used by
// mcumgr-capable devices (MCUboot serial recovery and Zephyr applications).
//
// # Packet layout
//
// Every request and response is an 8-byte header followed by a CBOR map:
//
//	[OP][FLAGS][LEN_H][LEN_L][GROUP_H][GROUP_L][SEQ][ID][CBOR...]
//
// Where:
//   - OP is one of OpRead, OpReadRsp, OpWrite, OpWriteRsp
//   - LEN is the CBOR payload length (big-endian)
//   - GROUP selects the management group (image, OS, shell, filesystem...)
//   - SEQ is the correlation token echoed back by the device
//   - ID selects the command within the group
//
// # Messages
//
// Requests and responses are plain structs with cbor tags:
//
//	pkt, err := smp.Encode(smp.Header{Op: smp.OpRead, Group: smp.GroupImage, ID: smp.ImageState}, smp.ImageStateReq{})
//
//	hdr, body, err := smp.Decode(pkt)
//	var rsp smp.ImageStateRsp
//	err = smp.Unmarshal(body, &rsp)
//	err = rsp.Err(hdr.Group, hdr.ID)
//
// A non-zero return code in a response is reported as a *ProtocolError.
package smp
