package scanner

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/sgd/backend/internal/core"
)

func minimalPNG(extraChunks ...[]byte) []byte {
	buf := append([]byte{}, pngSignature...)
	ihdr := pngChunk("IHDR", make([]byte, 13))
	idat := pngChunk("IDAT", []byte{0x78, 0x9C, 0x01, 0x00})
	buf = append(buf, ihdr...)
	for _, c := range extraChunks {
		buf = append(buf, c...)
	}
	buf = append(buf, idat...)
	buf = append(buf, pngChunk("IEND", nil)...)
	return buf
}

func pngChunk(typ string, payload []byte) []byte {
	out := make([]byte, 0, 12+len(payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, typ...)
	out = append(out, payload...)
	out = append(out, 0, 0, 0, 0) // CRC, not validated by the stripper
	return out
}

func jpegWithEXIF() []byte {
	buf := []byte{0xFF, 0xD8}
	exif := []byte("Exif\x00\x00fake-tiff-data")
	seg := []byte{0xFF, 0xE1}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(exif)+2))
	seg = append(seg, lenBuf[:]...)
	seg = append(seg, exif...)
	buf = append(buf, seg...)
	// SOS marker followed by entropy data and EOI.
	buf = append(buf, 0xFF, 0xDA, 0x00, 0x02, 0x01, 0x02, 0x03, 0xFF, 0xD9)
	return buf
}

func TestScan_ExecutableSignatures(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"windows PE", []byte("MZ\x90\x00rest-of-binary")},
		{"ELF", []byte{0x7F, 'E', 'L', 'F', 0x02, 0x01}},
		{"mach-o fat / class", []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00}},
		{"shell script", []byte("#!/bin/sh\nrm -rf /\n")},
	}
	s := New()
	for _, tc := range cases {
		report, err := s.Scan("logo.png", tc.data)
		if !core.IsKind(err, core.KindSecurity) {
			t.Errorf("%s: expected security rejection, got %v", tc.name, err)
		}
		if report.Level != LevelMalicious {
			t.Errorf("%s: level=%s, want malicious", tc.name, report.Level)
		}
		if len(report.Threats) == 0 {
			t.Errorf("%s: report must name the threat", tc.name)
		}
	}
}

func TestScan_CleanImagePasses(t *testing.T) {
	s := New()
	report, err := s.Scan("brand.png", minimalPNG())
	if err != nil {
		t.Fatalf("clean png rejected: %v", err)
	}
	if !report.Safe() {
		t.Errorf("level=%s, want clean", report.Level)
	}
	if report.DetectedMIME != "image/png" || !report.MIMEMatch {
		t.Errorf("detection wrong: mime=%s match=%v", report.DetectedMIME, report.MIMEMatch)
	}
	if report.SHA256 == "" {
		t.Error("report must carry the payload hash")
	}
}

func TestScan_ExtensionMismatchIsRejected(t *testing.T) {
	s := New()
	report, err := s.Scan("photo.jpg", minimalPNG())
	if !core.IsKind(err, core.KindSecurity) {
		t.Fatalf("png-as-jpg must be a security rejection, got %v", err)
	}
	if report.Level != LevelMalicious || report.MIMEMatch {
		t.Errorf("level=%s match=%v, want malicious mismatch", report.Level, report.MIMEMatch)
	}
	found := false
	for _, threat := range report.Threats {
		if strings.HasPrefix(threat, "extension_mismatch:") {
			found = true
		}
	}
	if !found {
		t.Errorf("report must name the mismatch: %v", report.Threats)
	}
}

func TestPycMagic_AnchoredToKnownVersions(t *testing.T) {
	// 3531 (Python 3.12) little-endian followed by \r\n.
	pyc := []byte{0xCB, 0x0D, 0x0D, 0x0A, 0x00, 0x00, 0x00, 0x00}
	report, err := scanBlob(t, pyc)
	if !core.IsKind(err, core.KindSecurity) {
		t.Fatalf("real bytecode must be rejected, got %v", err)
	}
	if !containsThreat(report.Threats, "python_bytecode") {
		t.Errorf("threats=%v, want python_bytecode", report.Threats)
	}

	// Arbitrary binary with CRLF at offset 2 but no known magic is fine.
	blob := []byte{0x01, 0x02, 0x0D, 0x0A, 0xDE, 0xAD, 0xBE, 0xEF}
	report, err = scanBlob(t, blob)
	if err != nil {
		t.Fatalf("unknown magic must not be flagged as bytecode: %v", err)
	}
	if containsThreat(report.Threats, "python_bytecode") {
		t.Errorf("false positive: %v", report.Threats)
	}
}

func scanBlob(t *testing.T, data []byte) (*Report, error) {
	t.Helper()
	// Extension without a MIME mapping, so only the bytecode check decides.
	return New().Scan("blob.bin", data)
}

func containsThreat(threats []string, name string) bool {
	for _, th := range threats {
		if th == name {
			return true
		}
	}
	return false
}

func TestScan_AntivirusHook(t *testing.T) {
	s := New().WithAntivirus(func([]byte) (bool, string, error) {
		return false, "Eicar-Test-Signature", nil
	})
	_, err := s.Scan("doc.pdf", []byte("%PDF-1.4 content"))
	if !core.IsKind(err, core.KindSecurity) {
		t.Fatalf("antivirus hit must reject, got %v", err)
	}
}

func TestStripJPEGMetadata(t *testing.T) {
	in := jpegWithEXIF()
	out := stripJPEGMetadata(in)

	if bytes.Contains(out, []byte("Exif\x00\x00")) {
		t.Error("APP1 EXIF segment survived stripping")
	}
	if !bytes.HasPrefix(out, []byte{0xFF, 0xD8}) || !bytes.HasSuffix(out, []byte{0xFF, 0xD9}) {
		t.Error("SOI/EOI framing lost")
	}
	// SOS and entropy data must survive byte-for-byte.
	if !bytes.Contains(out, []byte{0xFF, 0xDA, 0x00, 0x02, 0x01, 0x02, 0x03}) {
		t.Error("scan data corrupted by stripping")
	}
}

func TestStripPNGMetadata(t *testing.T) {
	text := pngChunk("tEXt", []byte("Author\x00somebody"))
	exif := pngChunk("eXIf", []byte("fake-exif"))
	in := minimalPNG(text, exif)

	out := stripPNGMetadata(in)
	if bytes.Contains(out, []byte("tEXt")) || bytes.Contains(out, []byte("eXIf")) {
		t.Error("metadata chunks survived stripping")
	}
	if !bytes.Contains(out, []byte("IHDR")) || !bytes.Contains(out, []byte("IDAT")) ||
		!bytes.Contains(out, []byte("IEND")) {
		t.Error("critical chunks must be preserved")
	}
}

func TestScan_StripsEXIFOnCleanPayloads(t *testing.T) {
	s := New()
	report, err := s.Scan("photo.jpg", jpegWithEXIF())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(report.Cleaned, []byte("Exif\x00\x00")) {
		t.Error("Cleaned bytes still contain EXIF")
	}
}
