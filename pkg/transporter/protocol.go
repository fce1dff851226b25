// Package transporter implements the resumable file-transfer sub-protocol
// over pkg/delivery (spec §4.6, component C6): credential/request
// handshake, chunked pull-on-demand transfer, completion with rename
// disambiguation, stop/abort, and channel-loss interruption handling.
package transporter

import (
	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/wire"
)

type credentials struct {
	FileID   meshid.ID
	Filename string
	FileSize uint64
	Offset   uint64
}

func marshalCredentials(c credentials) []byte {
	w := wire.NewWriter(16 + 4 + len(c.Filename) + 8 + 8)
	w.PutFixed(c.FileID.Bytes())
	w.PutVarBytes([]byte(c.Filename))
	w.PutUint64(c.FileSize)
	w.PutUint64(c.Offset)
	return w.Bytes()
}

func unmarshalCredentials(raw []byte) (credentials, error) {
	r := wire.NewReader(raw)
	var c credentials
	idBytes, err := r.Fixed(meshid.Size)
	if err != nil {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalCredentials", err)
	}
	id, ok := meshid.FromBytes(idBytes)
	if !ok {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalCredentials", merr.ErrCorruptPacket)
	}
	filename, err := r.VarBytes()
	if err != nil {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalCredentials", err)
	}
	filesize, err := r.Uint64()
	if err != nil {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalCredentials", err)
	}
	offset, err := r.Uint64()
	if err != nil {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalCredentials", err)
	}
	c.FileID = id
	c.Filename = string(filename)
	c.FileSize = filesize
	c.Offset = offset
	return c, nil
}

type fileIDOffset struct {
	FileID meshid.ID
	Offset uint64
}

func marshalFileIDOffset(v fileIDOffset) []byte {
	w := wire.NewWriter(16 + 8)
	w.PutFixed(v.FileID.Bytes())
	w.PutUint64(v.Offset)
	return w.Bytes()
}

func unmarshalFileIDOffset(raw []byte) (fileIDOffset, error) {
	r := wire.NewReader(raw)
	var v fileIDOffset
	idBytes, err := r.Fixed(meshid.Size)
	if err != nil {
		return v, merr.Wrap(merr.Protocol, "transporter.unmarshalFileIDOffset", err)
	}
	id, ok := meshid.FromBytes(idBytes)
	if !ok {
		return v, merr.Wrap(merr.Protocol, "transporter.unmarshalFileIDOffset", merr.ErrCorruptPacket)
	}
	offset, err := r.Uint64()
	if err != nil {
		return v, merr.Wrap(merr.Protocol, "transporter.unmarshalFileIDOffset", err)
	}
	v.FileID = id
	v.Offset = offset
	return v, nil
}

type chunk struct {
	FileID  meshid.ID
	Offset  uint64
	Payload []byte
}

func marshalChunk(c chunk) []byte {
	w := wire.NewWriter(16 + 8 + 4 + len(c.Payload))
	w.PutFixed(c.FileID.Bytes())
	w.PutUint64(c.Offset)
	w.PutVarBytes(c.Payload)
	return w.Bytes()
}

func unmarshalChunk(raw []byte) (chunk, error) {
	r := wire.NewReader(raw)
	var c chunk
	idBytes, err := r.Fixed(meshid.Size)
	if err != nil {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalChunk", err)
	}
	id, ok := meshid.FromBytes(idBytes)
	if !ok {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalChunk", merr.ErrCorruptPacket)
	}
	offset, err := r.Uint64()
	if err != nil {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalChunk", err)
	}
	payload, err := r.VarBytes()
	if err != nil {
		return c, merr.Wrap(merr.Protocol, "transporter.unmarshalChunk", err)
	}
	c.FileID = id
	c.Offset = offset
	c.Payload = payload
	return c, nil
}

func marshalFileID(id meshid.ID) []byte {
	return append([]byte(nil), id.Bytes()...)
}

func unmarshalFileID(raw []byte) (meshid.ID, error) {
	id, ok := meshid.FromBytes(raw)
	if !ok {
		return meshid.Nil, merr.Wrap(merr.Protocol, "transporter.unmarshalFileID", merr.ErrCorruptPacket)
	}
	return id, nil
}

type fileState struct {
	FileID  meshid.ID
	Success bool
}

func marshalFileState(s fileState) []byte {
	w := wire.NewWriter(17)
	w.PutFixed(s.FileID.Bytes())
	if s.Success {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
	return w.Bytes()
}

func unmarshalFileState(raw []byte) (fileState, error) {
	r := wire.NewReader(raw)
	var s fileState
	idBytes, err := r.Fixed(meshid.Size)
	if err != nil {
		return s, merr.Wrap(merr.Protocol, "transporter.unmarshalFileState", err)
	}
	id, ok := meshid.FromBytes(idBytes)
	if !ok {
		return s, merr.Wrap(merr.Protocol, "transporter.unmarshalFileState", merr.ErrCorruptPacket)
	}
	v, err := r.Uint8()
	if err != nil {
		return s, merr.Wrap(merr.Protocol, "transporter.unmarshalFileState", err)
	}
	s.FileID = id
	s.Success = v != 0
	return s, nil
}
