// Package serialization reads and writes the .born container used for
// recognition models.
//
// A file holds a JSON header followed by the raw little-endian bytes of every
// tensor in a state dict. Version 2 (written by default) is laid out as:
//
//	0x00  [4]  magic "BORN"
//	0x04  [4]  version (uint32 LE)
//	0x08  [4]  flags (uint32 LE)
//	0x0C  [4]  reserved
//	0x10  [8]  header size (uint64 LE)
//	0x18  [8]  data size (uint64 LE)
//	0x20  [32] SHA-256 of the data section
//	0x40       JSON header, padded to 64 bytes
//	           tensor data
//
// Version 1 has no checksum: magic, version, flags and header size are
// followed directly by the header. Both versions are readable.
//
// Model-level information such as the network spec and the codec lives in
// Header.Metadata; the package does not interpret it.
package serialization
