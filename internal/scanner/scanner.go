// Package scanner inspects uploaded bytes before they are allowed anywhere
// near public storage. Detection is content-first: the magic bytes decide the
// real MIME type, and a declared extension that disagrees with it is rejected
// outright. Executable payloads of any flavor are flagged as threats
// regardless of what the filename claims.
package scanner

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/sgd/backend/internal/core"
)

// ThreatLevel classifies a scan outcome.
type ThreatLevel string

const (
	LevelClean      ThreatLevel = "clean"
	LevelSuspicious ThreatLevel = "suspicious"
	LevelMalicious  ThreatLevel = "malicious"
)

// Report is the result of scanning one payload.
type Report struct {
	SHA256       string
	DetectedMIME string
	Extension    string
	// MIMEMatch is false when the declared extension disagrees with the
	// detected content type.
	MIMEMatch bool
	Threats   []string
	Level     ThreatLevel
	// Cleaned holds the payload after metadata stripping. For non-image
	// payloads it aliases the input.
	Cleaned []byte
}

// Safe reports whether the payload may proceed past quarantine.
func (r *Report) Safe() bool {
	return r.Level == LevelClean
}

// magicType maps a byte prefix to a MIME type.
type magicType struct {
	prefix []byte
	offset int
	mime   string
}

var magicTable = []magicType{
	{[]byte{0xFF, 0xD8, 0xFF}, 0, "image/jpeg"},
	{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, 0, "image/png"},
	{[]byte("GIF87a"), 0, "image/gif"},
	{[]byte("GIF89a"), 0, "image/gif"},
	{[]byte("WEBP"), 8, "image/webp"},
	{[]byte("%PDF-"), 0, "application/pdf"},
	{[]byte("PK\x03\x04"), 0, "application/zip"},
}

// executable signature table. Offsets are from the start of the payload.
type execSig struct {
	prefix []byte
	name   string
}

var execSigs = []execSig{
	{[]byte("MZ"), "pe_executable"},
	{[]byte{0x7F, 'E', 'L', 'F'}, "elf_executable"},
	{[]byte{0xCA, 0xFE, 0xBA, 0xBE}, "macho_fat_or_java_class"},
	{[]byte{0xFE, 0xED, 0xFA, 0xCE}, "macho_executable"},
	{[]byte{0xFE, 0xED, 0xFA, 0xCF}, "macho_executable"},
	{[]byte{0xCE, 0xFA, 0xED, 0xFE}, "macho_executable"},
	{[]byte{0xCF, 0xFA, 0xED, 0xFE}, "macho_executable"},
	{[]byte("#!/"), "script_shebang"},
	{[]byte("#! /"), "script_shebang"},
}

// extMIME is the declared-extension side of the cross-check.
var extMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".svg":  "image/svg+xml",
	".txt":  "text/plain",
	".md":   "text/plain",
	".zip":  "application/zip",
}

// Scanner performs static payload inspection. An optional antivirus hook is
// consulted after the built-in checks; production wires a real engine, tests
// and local dev leave it nil.
type Scanner struct {
	antivirus func(data []byte) (clean bool, signature string, err error)
	logger    *log.Logger
}

func New() *Scanner {
	return &Scanner{
		logger: log.New(log.Writer(), "[SCANNER] ", log.LstdFlags),
	}
}

// WithAntivirus installs an external scan hook.
func (s *Scanner) WithAntivirus(fn func([]byte) (bool, string, error)) *Scanner {
	s.antivirus = fn
	return s
}

// Scan inspects data declared under filename. The returned report is always
// populated; the error is non-nil only when the payload must be rejected
// (malicious level or antivirus failure).
func (s *Scanner) Scan(filename string, data []byte) (*Report, error) {
	sum := sha256.Sum256(data)
	report := &Report{
		SHA256:    hex.EncodeToString(sum[:]),
		Extension: strings.ToLower(filepath.Ext(filename)),
		Cleaned:   data,
	}

	if len(data) == 0 {
		report.Level = LevelSuspicious
		report.Threats = append(report.Threats, "empty_payload")
		return report, nil
	}

	report.DetectedMIME = detectMIME(data)
	report.MIMEMatch = mimeMatches(report.Extension, report.DetectedMIME)

	for _, sig := range execSigs {
		if bytes.HasPrefix(data, sig.prefix) {
			report.Threats = append(report.Threats, sig.name)
		}
	}
	if pycMagic(data) {
		report.Threats = append(report.Threats, "python_bytecode")
	}
	if report.Extension == ".bat" || report.Extension == ".cmd" || report.Extension == ".exe" ||
		report.Extension == ".dll" || report.Extension == ".sh" {
		report.Threats = append(report.Threats, "executable_extension")
	}
	// A payload lying about its type is rejected outright: polyglot and
	// content-sniffing attacks all start with a mismatched extension.
	if !report.MIMEMatch {
		report.Threats = append(report.Threats, fmt.Sprintf(
			"extension_mismatch:%s!=%s", report.Extension, report.DetectedMIME))
	}

	if len(report.Threats) > 0 {
		report.Level = LevelMalicious
		s.logger.Printf("threat detected sha=%s threats=%v", report.SHA256[:12], report.Threats)
		return report, core.Errorf(core.KindSecurity,
			"payload rejected: %s", strings.Join(report.Threats, ","))
	}

	if s.antivirus != nil {
		clean, signature, err := s.antivirus(data)
		if err != nil {
			return report, core.NewError(core.KindSecurity, "antivirus scan unavailable", err)
		}
		if !clean {
			report.Threats = append(report.Threats, "av:"+signature)
			report.Level = LevelMalicious
			return report, core.Errorf(core.KindSecurity, "antivirus flagged payload: %s", signature)
		}
	}

	report.Level = LevelClean
	switch report.DetectedMIME {
	case "image/jpeg":
		report.Cleaned = stripJPEGMetadata(data)
	case "image/png":
		report.Cleaned = stripPNGMetadata(data)
	}
	return report, nil
}

func detectMIME(data []byte) string {
	for _, m := range magicTable {
		if len(data) >= m.offset+len(m.prefix) &&
			bytes.Equal(data[m.offset:m.offset+len(m.prefix)], m.prefix) {
			return m.mime
		}
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<svg")) || bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return "image/svg+xml"
	}
	if isMostlyText(data) {
		return "text/plain"
	}
	return "application/octet-stream"
}

func mimeMatches(ext, detected string) bool {
	want, known := extMIME[ext]
	if !known {
		// Unknown extensions are not a mismatch; the content type governs.
		return true
	}
	return want == detected
}

// Known CPython bytecode magic numbers (little-endian uint16 preceding the
// \r\n terminator), Python 2.7 through 3.13.
var pycMagics = map[uint16]bool{
	62211: true, // 2.7
	3379:  true, // 3.6
	3394:  true, // 3.7
	3413:  true, // 3.8
	3425:  true, // 3.9
	3439:  true, // 3.10
	3495:  true, // 3.11
	3531:  true, // 3.12
	3571:  true, // 3.13
}

// pycMagic matches CPython bytecode files: a known version magic followed
// by \r\n. The magic must be one of the published values; an arbitrary
// binary that happens to carry CRLF at offset 2 is not bytecode.
func pycMagic(data []byte) bool {
	if len(data) < 4 || data[2] != 0x0D || data[3] != 0x0A {
		return false
	}
	magic := uint16(data[0]) | uint16(data[1])<<8
	return pycMagics[magic]
}

func isMostlyText(data []byte) bool {
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	printable := 0
	for _, b := range sample {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7F) {
			printable++
		}
	}
	return len(sample) > 0 && printable*100/len(sample) >= 95
}
