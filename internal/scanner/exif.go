package scanner

import (
	"bytes"
	"encoding/binary"
)

// stripJPEGMetadata walks the JPEG segment stream and drops APP1 (EXIF/XMP)
// and APP2..APP13 metadata segments. Pixel data and the JFIF APP0 header are
// preserved. On any structural surprise the original bytes are returned
// untouched rather than risking a corrupted image.
func stripJPEGMetadata(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return data
	}

	out := make([]byte, 0, len(data))
	out = append(out, 0xFF, 0xD8)
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return data
		}
		marker := data[i+1]

		// Start of scan: everything from here on is entropy-coded data.
		if marker == 0xDA {
			out = append(out, data[i:]...)
			return out
		}
		// Standalone markers carry no length.
		if marker == 0xD8 || marker == 0xD9 || (marker >= 0xD0 && marker <= 0xD7) {
			out = append(out, data[i], data[i+1])
			i += 2
			continue
		}

		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(data) {
			return data
		}
		end := i + 2 + segLen

		// APP1 through APP13 hold EXIF, XMP, ICC and vendor metadata.
		if marker >= 0xE1 && marker <= 0xED {
			i = end
			continue
		}
		out = append(out, data[i:end]...)
		i = end
	}
	return data
}

// png chunk types that only carry metadata.
var pngMetadataChunks = map[string]bool{
	"eXIf": true,
	"tEXt": true,
	"zTXt": true,
	"iTXt": true,
	"tIME": true,
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// stripPNGMetadata removes ancillary metadata chunks from a PNG. Critical
// chunks (IHDR, PLTE, IDAT, IEND) and rendering-relevant ancillary chunks
// pass through unchanged.
func stripPNGMetadata(data []byte) []byte {
	if !bytes.HasPrefix(data, pngSignature) {
		return data
	}

	out := make([]byte, 0, len(data))
	out = append(out, pngSignature...)
	i := len(pngSignature)
	for i+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		chunkType := string(data[i+4 : i+8])
		total := 8 + length + 4 // header + payload + CRC
		if i+total > len(data) {
			return data
		}
		if !pngMetadataChunks[chunkType] {
			out = append(out, data[i:i+total]...)
		}
		i += total
		if chunkType == "IEND" {
			break
		}
	}
	return out
}
