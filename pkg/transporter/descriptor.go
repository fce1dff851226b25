package transporter

import (
	"os"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/wire"
)

// descriptor is the receiver-side ".desc" header persisted alongside a
// transfer's ".data" body (spec §6: "header: offset, filesize,
// filename"), encoded with the same pkg/wire codec the rest of the
// module's wire formats use rather than introducing a general-purpose
// serialization library for three fields.
type descriptor struct {
	Offset   uint64
	FileSize uint64
	Filename string
}

func writeDescriptor(path string, d descriptor) error {
	w := wire.NewWriter(8 + 8 + 4 + len(d.Filename))
	w.PutUint64(d.Offset)
	w.PutUint64(d.FileSize)
	w.PutVarBytes([]byte(d.Filename))
	if err := os.WriteFile(path, w.Bytes(), 0o644); err != nil {
		return merr.Wrap(merr.Storage, "transporter.writeDescriptor", err)
	}
	return nil
}

func readDescriptor(path string) (descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return descriptor{}, merr.Wrap(merr.Storage, "transporter.readDescriptor", err)
	}
	r := wire.NewReader(raw)
	offset, err := r.Uint64()
	if err != nil {
		return descriptor{}, merr.Wrap(merr.Storage, "transporter.readDescriptor", err)
	}
	filesize, err := r.Uint64()
	if err != nil {
		return descriptor{}, merr.Wrap(merr.Storage, "transporter.readDescriptor", err)
	}
	filename, err := r.VarBytes()
	if err != nil {
		return descriptor{}, merr.Wrap(merr.Storage, "transporter.readDescriptor", err)
	}
	return descriptor{Offset: offset, FileSize: filesize, Filename: string(filename)}, nil
}

// writeCachedPath persists the sender-side absolute source path for a
// file ID under <download_dir>/.cache/<file-id>.desc (spec §6).
func writeCachedPath(path, absPath string) error {
	if err := os.WriteFile(path, []byte(absPath), 0o644); err != nil {
		return merr.Wrap(merr.Storage, "transporter.writeCachedPath", err)
	}
	return nil
}

func readCachedPath(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", merr.Wrap(merr.Storage, "transporter.readCachedPath", err)
	}
	return string(raw), nil
}
